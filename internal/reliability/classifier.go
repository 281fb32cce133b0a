package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamError classifies retryable upstream realtime error codes.
func IsRetryableUpstreamError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired_retryable", "overloaded":
		return true
	default:
		return false
	}
}

// IsFlickeringChannelState reports whether a control channel state is one
// that a short retry may ride out. Closed and failed states are final.
func IsFlickeringChannelState(state string) bool {
	switch state {
	case "connecting", "open":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
