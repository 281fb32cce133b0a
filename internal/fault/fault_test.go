package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrappedChain(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	fe := Wrap(CodeNegotiation, "transport", base)
	wrapped := fmt.Errorf("open session: %w", fe)

	if got := CodeOf(wrapped); got != CodeNegotiation {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeNegotiation)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("cause should survive wrapping")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("boring")); got != "" {
		t.Fatalf("CodeOf() = %q, want empty", got)
	}
}

func TestIsTransportFatal(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeNegotiation, true},
		{CodeMediaAccess, true},
		{CodeParse, false},
		{CodeNotFound, false},
		{CodeAuth, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "test", "x")
		if got := IsTransportFatal(err); got != tc.want {
			t.Fatalf("IsTransportFatal(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(CodeAuth, "broker", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
}
