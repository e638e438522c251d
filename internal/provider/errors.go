package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Class is the normalized error class produced at the provider boundary.
// Raw upstream errors never cross it; the send router decides fallback and
// retry purely from the class.
type Class string

const (
	ClassRateLimit            Class = "rate_limit"
	ClassTemplateError        Class = "template_error"
	ClassServerError          Class = "server_error"
	ClassTimeout              Class = "timeout"
	ClassInvalidPhone         Class = "invalid_phone"
	ClassAuthError            Class = "auth_error"
	ClassTemplateNotSupported Class = "template_not_supported"
	ClassOther                Class = "other"
)

// Retryable reports whether the same provider may be retried locally.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassServerError, ClassTimeout, ClassOther:
		return true
	default:
		return false
	}
}

// Error is the typed error crossing the provider boundary.
type Error struct {
	Class      Class
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Class) + ": " + e.Message
	}
	return string(e.Class)
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode implements the statusCoder convention used across the codebase.
func (e *Error) StatusCode() int { return e.HTTPStatus }

// NewError builds a classified provider error.
func NewError(class Class, message string) *Error {
	return &Error{Class: class, Message: message}
}

// WrapError classifies and wraps an underlying error.
func WrapError(class Class, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// ClassOf extracts the error class, unwrapping as needed. Unclassified
// errors map to timeout when they look like one, otherwise other.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if isTimeout(err) {
		return ClassTimeout
	}
	return ClassOther
}

// ClassifyHTTPStatus maps an upstream HTTP status to an error class.
// Providers call this once at their boundary.
func ClassifyHTTPStatus(status int, body string) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500:
		return ClassServerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthError
	case status == http.StatusBadRequest:
		lower := strings.ToLower(body)
		if strings.Contains(lower, "template") {
			return ClassTemplateError
		}
		if strings.Contains(lower, "phone") || strings.Contains(lower, "recipient") {
			return ClassInvalidPhone
		}
		return ClassOther
	default:
		return ClassOther
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTransientNetErr reports whether err is one of the known transient network
// failures (reset, broken pipe, refused, timed out) that are logged as
// warnings only.
func IsTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	if isTimeout(err) {
		return true
	}
	msg := err.Error()
	for _, code := range []string{"ECONNRESET", "EPIPE", "ETIMEDOUT", "ECONNREFUSED", "connection reset", "broken pipe", "connection refused"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// CallerFault reports whether err is the caller's fault (bad input, unsupported
// capability). The router's circuit breakers must not trip on these.
func CallerFault(err error) bool {
	switch ClassOf(err) {
	case ClassInvalidPhone, ClassTemplateNotSupported, ClassTemplateError:
		return true
	default:
		return false
	}
}
