// Package apperror defines the rejection taxonomy shared by every component of the
// messaging core. A rejection is always returned as an error value; nothing in the
// core panics or exits on a failed request.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies why a request was rejected.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindAuthorization     Kind = "AuthorizationError"
	KindNotFound          Kind = "NotFound"
	KindRateLimit         Kind = "RateLimitExceeded"
	KindSecurityBlocked   Kind = "SecurityBlocked"
	KindModerationBlocked Kind = "ModerationBlocked"
	KindUpstreamTimeout   Kind = "UpstreamTimeout"
	KindUpstreamFailure   Kind = "UpstreamFailure"
	KindPersistence       Kind = "PersistenceFailure"
	KindCodec             Kind = "CodecFailure"
	KindInternal          Kind = "InternalError"
)

// Error is a rejection with enough context to report back to the sender.
type Error struct {
	Kind    Kind
	Reason  string
	Stage   string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// WithStage records the pipeline stage the rejection happened in.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithDetail attaches a key/value that is forwarded to the client.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds a rejection of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds a rejection that keeps the underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return New(KindAuthorization, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimit, format, args...)
}

// KindOf extracts the rejection kind from err, or KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is a rejection of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As returns err as *Error, wrapping unknown errors as internal failures.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Reason: "internal error", Err: err}
}
