// Package fault classifies store failures so callers can decide whether to
// retry. Version conflicts are not a fault kind; they are reported as
// *version.ConflictError by the append path.
package fault

import (
	"context"
	"errors"
	"fmt"
)

type Kind uint8

const (
	// KindUnknown is any failure the store could not classify.
	KindUnknown Kind = iota
	// KindSerialization is a payload or record encoding/decoding failure.
	// Not retryable without fixing the payload.
	KindSerialization
	// KindUnavailable is a transient backend failure, timeout or
	// cancellation. Retryable with backoff.
	KindUnavailable
	// KindNotFound is a missing stream or snapshot where the caller's
	// semantics required presence.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindUnknown:
		return "unknown"
	}
	return "unknown"
}

// Error wraps a cause with its kind and the operation that produced it.
type Error struct {
	kind Kind
	op   string
	err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{kind: kind, op: op, err: err}
}

func Serialization(op string, err error) *Error {
	return New(KindSerialization, op, err)
}

func Unavailable(op string, err error) *Error {
	return New(KindUnavailable, op, err)
}

func NotFound(op string, err error) *Error {
	return New(KindNotFound, op, err)
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.op, e.kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, e.kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the kind from an error chain. Context cancellation and
// deadline expiry classify as KindUnavailable even when unwrapped, so a
// timeout is never mistaken for a version conflict.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
