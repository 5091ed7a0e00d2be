package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure from the orchestration core. The HTTP layer
// maps client-input kinds to 4xx responses and backend/infra kinds to 5xx.
type ErrorKind string

const (
	KindRateLimitExceeded  ErrorKind = "rate_limit_exceeded"
	KindTimeout            ErrorKind = "timeout"
	KindConnection         ErrorKind = "connection_error"
	KindHTTPStatus         ErrorKind = "http_status"
	KindUnsupportedContent ErrorKind = "unsupported_content_type"
	KindFetchFailed        ErrorKind = "fetch_failed"
	KindInvalidQuery       ErrorKind = "invalid_query"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindConfiguration      ErrorKind = "configuration_error"
)

// Error is a structured failure carrying a kind plus human-readable detail.
// StatusCode is set only for KindHTTPStatus. RetryAfter is set only for
// KindRateLimitExceeded when the limiter can estimate the wait.
type Error struct {
	Kind       ErrorKind
	Detail     string
	StatusCode int
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("%s: http %d: %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a structured error with the given kind and detail.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind, keeping the cause reachable via
// errors.As / errors.Is for classification further up the stack.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// HTTPStatusError creates a KindHTTPStatus error for a non-2xx response.
func HTTPStatusError(code int, detail string) *Error {
	return &Error{Kind: KindHTTPStatus, StatusCode: code, Detail: detail}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// none is present.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// HTTPStatusOf returns the status code of the first KindHTTPStatus error in
// err's chain, or 0.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindHTTPStatus {
		return e.StatusCode
	}
	return 0
}

// RetryAfterOf returns the suggested wait of the first rate-limit error in
// err's chain, or 0.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimitExceeded {
		return e.RetryAfter
	}
	return 0
}
