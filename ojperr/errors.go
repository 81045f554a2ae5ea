// Package ojperr defines the stable error taxonomy callers can match against with
// errors.Is/errors.As, instead of string-matching the messages the proxy logs.
package ojperr

import "fmt"

// Kind is one of the error categories from the proxy's error taxonomy. Two errors
// with the same Kind are considered the same failure class even if their messages
// differ.
type Kind string

const (
	KindPoolExhausted         Kind = "PoolExhausted"
	KindPoolResizeFailed      Kind = "PoolResizeFailed"
	KindStaleSession          Kind = "StaleSession"
	KindProtocolError         Kind = "ProtocolError"
	KindNotAssociated         Kind = "NotAssociated"
	KindTransactionTimeout    Kind = "TransactionTimeout"
	KindSlotTimeout           Kind = "SlotTimeout"
	KindUnresolvedPlaceholder Kind = "UnresolvedPlaceholder"
	KindSecurityViolation     Kind = "SecurityViolation"
	KindDriverMissing         Kind = "DriverMissing"
	KindBackendError          Kind = "BackendError"
	KindTransientBackend      Kind = "TransientBackend"
)

// Error is a typed error carrying one of the Kind values above plus a SQLSTATE when
// the failure originated at the backend and a human-readable message for logs.
type Error struct {
	Kind    Kind
	SQLSTATE string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.SQLSTATE != "" {
		return fmt.Sprintf("%s: %s (sqlstate=%s)", e.Kind, e.Message, e.SQLSTATE)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, target) report true when target is an *Error of the same
// Kind; messages, SQLSTATEs and wrapped causes are not compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithSQLSTATE attaches a SQLSTATE observed from the backend to a BackendError.
func WithSQLSTATE(err error, sqlstate string) *Error {
	if e, ok := err.(*Error); ok {
		e.SQLSTATE = sqlstate
		return e
	}
	return &Error{Kind: KindBackendError, Message: err.Error(), SQLSTATE: sqlstate, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as avoids importing errors just for this one call site pattern used by KindOf.
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
