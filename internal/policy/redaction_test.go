package policy

import (
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	input := `negotiate failed: POST /realtime with Authorization: Bearer ek_abc123DEF456 returned 401`
	out, changed := RedactSecrets(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "ek_abc123DEF456") {
		t.Fatalf("secret survived redaction: %q", out)
	}
	if !strings.Contains(out, "[REDACTED_TOKEN]") {
		t.Fatalf("output missing token marker: %q", out)
	}
}

func TestRedactSecretsBareKey(t *testing.T) {
	out, changed := RedactSecrets("issue failed for sk-proj-1234567890abcdef")
	if !changed || strings.Contains(out, "sk-proj") {
		t.Fatalf("bare key survived: %q", out)
	}
}

func TestRedactPII(t *testing.T) {
	input := "Deliver to sam@example.com, card 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestSafeDetailPlainTextUntouched(t *testing.T) {
	in := "control channel closed by peer"
	if got := SafeDetail(in); got != in {
		t.Fatalf("SafeDetail(%q) = %q, want unchanged", in, got)
	}
}
