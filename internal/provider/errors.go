package provider

import (
	"errors"
	"fmt"
)

// SendError classifies an adapter failure. Only transient failures are retried.
type SendError struct {
	Permanent bool
	Code      string
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s provider error (code %s): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient marks err as retryable (network failures, 5xx, throttling).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Err: err}
}

// Permanent marks err as not retryable (invalid number, unsubscribed recipient).
func Permanent(code string, err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Permanent: true, Code: code, Err: err}
}

// IsPermanent reports whether err was classified permanent. Unclassified errors
// are treated as transient.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// ErrorCode returns the provider error code carried by err, if any.
func ErrorCode(err error) string {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
