package eventlog

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidelog-io/tidelog/version"
)

var (
	ErrUnsupportedCheck = errors.New("unsupported version check type")
	ErrNoEvents         = errors.New("empty events")
)

// conflictErrorPrefix tags conflict messages raised by the SQL triggers so
// the driver-agnostic error check below can recover the actual version.
const conflictErrorPrefix = "_tidelog_version_conflict: "

// parseConflictError inspects a driver error for the trigger-raised conflict
// marker and extracts the stream's actual version from it.
func parseConflictError(err error) (version.Version, bool) {
	parts := strings.SplitN(err.Error(), conflictErrorPrefix, 2)
	if len(parts) != 2 {
		return version.Zero, false
	}

	digits := parts[1]
	if i := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		digits = digits[:i]
	}

	actual, parseErr := strconv.ParseUint(digits, 10, 64)
	if parseErr != nil {
		return version.Zero, false
	}

	return version.Version(actual), true
}

// resolveStartingVersion applies the caller's expectation against the actual
// stream version and returns the version the batch starts from.
func resolveStartingVersion(
	expected version.Check,
	actual version.Version,
) (version.Version, error) {
	switch exp := expected.(type) {
	case version.CheckAny:
		return actual, nil
	case version.CheckExact:
		if err := exp.CheckExact(actual); err != nil {
			return version.Zero, err
		}
		return version.Version(exp), nil
	default:
		return version.Zero, ErrUnsupportedCheck
	}
}
