package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableUpstreamError(t *testing.T) {
	if !IsRetryableUpstreamError("rate_limit_exceeded") {
		t.Fatalf("rate_limit_exceeded should be retryable")
	}
	if IsRetryableUpstreamError("invalid_request_error") {
		t.Fatalf("invalid_request_error should not be retryable")
	}
}

func TestIsFlickeringChannelState(t *testing.T) {
	if !IsFlickeringChannelState("connecting") {
		t.Fatalf("connecting should be considered transient")
	}
	if IsFlickeringChannelState("closed") {
		t.Fatalf("closed should be final")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
