package model

import "fmt"

// Kind classifies an error per the system's error taxonomy. Workers and the
// HTTP layer both switch on Kind; never on the wrapped message text.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindIntegrity  Kind = "integrity"
)

// Error is a typed application error carrying one of the Kind values above.
// Integrity errors are never meant to reach an HTTP client; callers that
// receive one should drop the triggering write and bump a metric instead.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Message: msg, Err: err}
}

func Validation(msg string, err error) *Error { return newErr(KindValidation, msg, err) }
func Permission(msg string, err error) *Error { return newErr(KindPermission, msg, err) }
func NotFound(msg string, err error) *Error   { return newErr(KindNotFound, msg, err) }
func Conflict(msg string, err error) *Error   { return newErr(KindConflict, msg, err) }
func Transient(msg string, err error) *Error  { return newErr(KindTransient, msg, err) }
func Permanent(msg string, err error) *Error  { return newErr(KindPermanent, msg, err) }
func Integrity(msg string, err error) *Error  { return newErr(KindIntegrity, msg, err) }

// KindOf extracts the Kind from err, defaulting to KindPermanent for
// untyped errors so an unexpected failure never gets silently retried.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

func asError(err error, target **Error) bool {
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

// Retriable reports whether err's Kind should be retried with backoff.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}
