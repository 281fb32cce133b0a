package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// ParseArguments turns a function call's raw argument text into a map.
// Upstream streams truncate or mangle arguments often enough that a hard
// failure would drop the call, so the parse is total: a direct parse, then
// progressively repaired attempts, and on defeat a wrapper object that
// preserves the raw text. The second return is false only when every
// attempt failed.
func ParseArguments(raw, context string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, true
	}
	if m, ok := tryParseObject(trimmed); ok {
		return m, true
	}
	repaired := trailingCommaPattern.ReplaceAllString(trimmed, "$1")
	if m, ok := tryParseObject(repaired); ok {
		return m, true
	}
	if m, ok := tryParseObject(escapeControlChars(repaired)); ok {
		return m, true
	}
	return map[string]any{
		"error":   "unparseable function arguments",
		"raw":     raw,
		"context": context,
	}, false
}

func tryParseObject(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, true
}

// escapeControlChars rewrites raw control characters that appear inside
// string literals, the usual damage when the model emits literal newlines
// in argument text.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			case r == '\n':
				b.WriteString(`\n`)
				continue
			case r == '\r':
				b.WriteString(`\r`)
				continue
			case r == '\t':
				b.WriteString(`\t`)
				continue
			case r < 0x20:
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
		} else if r == '"' {
			inString = true
		}
		b.WriteRune(r)
	}
	return b.String()
}
