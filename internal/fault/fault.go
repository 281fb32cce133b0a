package fault

import (
	"errors"
	"fmt"
)

// Code classifies engine failures for callers and for logging.
type Code string

const (
	CodeAuth        Code = "auth_error"
	CodeCapacity    Code = "capacity_error"
	CodeNegotiation Code = "negotiation_error"
	CodeMediaAccess Code = "media_access_error"
	CodeParse       Code = "parse_error"
	CodeNotFound    Code = "not_found"
	CodeTimeout     Code = "timeout"
)

// Error carries a stable code alongside the underlying cause. The code is
// what callers branch on; Detail is what gets logged after redaction.
type Error struct {
	Code      Code
	Source    string
	Retryable bool
	Detail    string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Source, e.cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Source, e.Detail)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Source)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, source, detail string) *Error {
	return &Error{Code: code, Source: source, Detail: detail}
}

func Wrap(code Code, source string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Source: source, Detail: cause.Error(), cause: cause}
}

// CodeOf extracts the fault code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given fault code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransportFatal reports whether err should collapse the transport into
// its terminal error state instead of being recovered locally.
func IsTransportFatal(err error) bool {
	switch CodeOf(err) {
	case CodeNegotiation, CodeMediaAccess:
		return true
	default:
		return false
	}
}
