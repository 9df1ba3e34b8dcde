// Package apperr defines the request-path error taxonomy and its HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindBulkSizeExceeded   Kind = "BULK_SIZE_EXCEEDED"
	KindProviderNotAllowed Kind = "PROVIDER_NOT_ALLOWED"
	KindProviderNotFound   Kind = "PROVIDER_NOT_FOUND"
	KindJobNotFound        Kind = "JOB_NOT_FOUND"
	KindTenantNotFound     Kind = "TENANT_NOT_FOUND"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
)

var statusByKind = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindRateLimitExceeded:  http.StatusTooManyRequests,
	KindQuotaExceeded:      http.StatusTooManyRequests,
	KindBulkSizeExceeded:   http.StatusBadRequest,
	KindProviderNotAllowed: http.StatusForbidden,
	KindProviderNotFound:   http.StatusNotFound,
	KindJobNotFound:        http.StatusNotFound,
	KindTenantNotFound:     http.StatusUnauthorized,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
}

// Error is returned synchronously at the API boundary.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrRateLimitExceeded  = &Error{Kind: KindRateLimitExceeded, Message: "rate limit exceeded"}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded, Message: "quota exceeded"}
	ErrBulkSizeExceeded   = &Error{Kind: KindBulkSizeExceeded, Message: "bulk size exceeded"}
	ErrProviderNotAllowed = &Error{Kind: KindProviderNotAllowed, Message: "provider not allowed"}
	ErrProviderNotFound   = &Error{Kind: KindProviderNotFound, Message: "provider not found"}
	ErrJobNotFound        = &Error{Kind: KindJobNotFound, Message: "job not found"}
	ErrTenantNotFound     = &Error{Kind: KindTenantNotFound, Message: "tenant not found"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func ValidationFields(fields map[string]string) *Error {
	details := make(map[string]any, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	return &Error{Kind: KindValidation, Message: "invalid request", Details: details}
}

func RateLimited(retryAfter time.Duration, limit int) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		Details:    map[string]any{"limit": limit},
	}
}

// QuotaExceeded carries the exhausted scope (daily or monthly) and a quota snapshot.
func QuotaExceeded(scope string, quota any) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: scope + " quota exceeded",
		Details: map[string]any{"scope": scope, "quota": quota},
	}
}

func BulkSizeExceeded(size, limit int) *Error {
	return &Error{
		Kind:    KindBulkSizeExceeded,
		Message: fmt.Sprintf("bulk of %d messages exceeds limit of %d", size, limit),
		Details: map[string]any{"size": size, "limit": limit},
	}
}

func ProviderNotAllowed(name string) *Error {
	return &Error{
		Kind:    KindProviderNotAllowed,
		Message: fmt.Sprintf("provider %q is not allowed for this tenant", name),
		Details: map[string]any{"provider": name},
	}
}

func ProviderNotFound(name string) *Error {
	return &Error{Kind: KindProviderNotFound, Message: fmt.Sprintf("provider %q is not registered", name)}
}

func JobNotFound(queue, id string) *Error {
	return &Error{
		Kind:    KindJobNotFound,
		Message: fmt.Sprintf("job %q not found in queue %q", id, queue),
		Details: map[string]any{"jobId": id, "queue": queue},
	}
}

func TenantNotFound(id string) *Error {
	return &Error{Kind: KindTenantNotFound, Message: fmt.Sprintf("tenant %q not found", id)}
}

func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
