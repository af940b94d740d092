// ABOUTME: Typed application errors carrying a Kind the API adapter maps to an HTTP status.
// ABOUTME: Core packages return these instead of raw errors so no layer has to guess intent.
package apperr

import "fmt"

// Kind classifies an error for the purposes of HTTP status mapping and logging.
type Kind string

const (
	Validation   Kind = "validation"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	RateLimited  Kind = "rate_limited"
	Transient    Kind = "transient"
	Fatal        Kind = "fatal"
)

// Error is the typed error every core component returns at its public boundary.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithDetails(kind Kind, message string, details map[string]string) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, defaulting to Fatal.
func KindOf(err error) Kind {
	var appErr *Error
	if as(err, &appErr) {
		return appErr.Kind
	}
	return Fatal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
