package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._\-]+`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|ek|rt)[-_][a-zA-Z0-9._\-]{8,}`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactSecrets masks bearer tokens and API/ephemeral keys before a detail
// string reaches a log line. Session secrets must never appear verbatim.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactPII masks checkout-adjacent PII patterns in conversation text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	return out, changed
}

// SafeDetail prepares an error detail for logging: secrets first, then PII.
func SafeDetail(input string) string {
	out, _ := RedactSecrets(input)
	out, _ = RedactPII(out)
	return out
}
