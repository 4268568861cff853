// Package version holds the per-stream version type and the optimistic
// concurrency checks built on top of it.
package version

import (
	"errors"
	"fmt"
)

// Version is the position of an event within its stream. The first committed
// event of a stream has version 1; a stream with no events is at Zero.
type Version uint64

const Zero Version = 0

//nolint:gochecknoglobals // It's a helper.
var SelectFromBeginning = Selector{From: 0, To: 0}

// Selector bounds a range read. From is inclusive; To is inclusive when
// non-zero, unbounded otherwise.
type Selector struct {
	From Version
	To   Version
}

// Check is the expectation a caller attaches to an append.
type Check interface {
	isVersionCheck()
}

// CheckAny performs no version check: the append is unconditional and the
// caller accepts last-writer-wins version assignment.
type CheckAny struct{}

func (CheckAny) isVersionCheck() {}

// CheckExact requires the stream to be at exactly this version at commit time.
type CheckExact Version

func (CheckExact) isVersionCheck() {}

// CheckExact compares the expectation against the actual stream version and
// returns a *ConflictError on mismatch.
func (check CheckExact) CheckExact(actual Version) error {
	if Version(check) != actual {
		return NewConflictError(Version(check), actual)
	}
	return nil
}

func NewConflictError(expected, actual Version) *ConflictError {
	return &ConflictError{
		Expected: expected,
		Actual:   actual,
	}
}

// ConflictError reports a failed optimistic concurrency check. It carries
// both versions so the caller can re-read and retry with fresh expectations.
type ConflictError struct {
	Expected Version
	Actual   Version
}

// IsConflict reports whether the error chain contains a *ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

func (err *ConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict: expected stream version %d, actual %d",
		err.Expected,
		err.Actual,
	)
}
