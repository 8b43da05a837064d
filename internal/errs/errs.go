// Package errs defines the closed set of error kinds the position engine
// distinguishes when deciding whether to retry, DLQ, or abort a transaction.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the failure-semantics design.
type Kind string

const (
	KindValidation           Kind = "VALIDATION"
	KindDuplicateTrade       Kind = "DUPLICATE_TRADE"
	KindConcurrencyConflict  Kind = "CONCURRENCY_CONFLICT"
	KindNoOpenLots           Kind = "NO_OPEN_LOTS"
	KindSerialization        Kind = "SERIALIZATION"
	KindDownstreamUnavail    Kind = "DOWNSTREAM_UNAVAILABLE"
	KindDataInvariant        Kind = "DATA_INVARIANT_VIOLATION"
	KindSystemUnavailable    Kind = "SYSTEM_UNAVAILABLE"
	KindInvalidArgument      Kind = "INVALID_ARGUMENT"
	KindOptimisticConflict   Kind = "OPTIMISTIC_CONFLICT"
)

// Error wraps an underlying cause with a Kind so callers can branch with
// errors.As instead of string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(KindX, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, or "" if err isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the error kind is eligible for the
// hotpath/coldpath retry loops (concurrency and optimistic conflicts only).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrencyConflict, KindOptimisticConflict:
		return true
	default:
		return false
	}
}

var (
	ErrValidation          = New(KindValidation, "validation failed")
	ErrDuplicateTrade      = New(KindDuplicateTrade, "trade already processed")
	ErrConcurrencyConflict = New(KindConcurrencyConflict, "event version conflict")
	ErrNoOpenLots          = New(KindNoOpenLots, "no open lots to reduce")
	ErrSerialization       = New(KindSerialization, "serialization failed")
	ErrDownstreamUnavail   = New(KindDownstreamUnavail, "downstream unavailable")
	ErrDataInvariant       = New(KindDataInvariant, "data invariant violated")
	ErrSystemUnavailable   = New(KindSystemUnavailable, "system unavailable after retries")
	ErrInvalidArgument     = New(KindInvalidArgument, "invalid argument")
	ErrOptimisticConflict  = New(KindOptimisticConflict, "snapshot optimistic conflict")
)
