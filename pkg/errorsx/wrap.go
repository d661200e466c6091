package errorsx

import (
	"errors"
	"fmt"
)

// SessionError wraps an error with a session code and a human message.
type SessionError struct {
	Code    Code
	Message string
	Err     error
}

func (e SessionError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e SessionError) Unwrap() error {
	return e.Err
}

// New builds a SessionError with no underlying cause.
func New(code Code, message string) error {
	return SessionError{Code: code, Message: message}
}

// Newf builds a SessionError with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return SessionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an error (no-op if err is nil or already coded).
func Wrap(err error, code Code) error {
	if err == nil {
		return nil
	}
	var se SessionError
	if errors.As(err, &se) {
		return err
	}
	return SessionError{Err: err, Code: code}
}

// CodeOf extracts the session code from an error, if present.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var se SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// HasCode returns true if err carries the given session code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
