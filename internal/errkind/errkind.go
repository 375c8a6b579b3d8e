// Package errkind holds the error classes shared by the pool, cache, loader and
// scheduler. Concrete errors are marked with one of these classes so callers can
// branch with errors.Is without depending on the package that produced them.
package errkind

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrAllocationFailure means the underlying allocator could not provide memory.
	// It is fatal for the operation and never retried silently.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrIoFailure means a resource could not be read from backing storage.
	// Cache state is unaffected.
	ErrIoFailure = errors.New("io failure")

	// ErrMisuse is a violated precondition: double free, stale handle, handle
	// returned to the wrong owner, invalid argument.
	ErrMisuse = errors.New("misuse")

	// ErrActionFailure wraps an error or panic raised by a heartbeat action.
	ErrActionFailure = errors.New("action failure")
)

// Allocation marks err as an allocation failure
func Allocation(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrAllocationFailure)
}

// Io marks err as an I/O failure
func Io(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIoFailure)
}

// Misuse builds a new precondition-violation error
func Misuse(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrMisuse)
}

// Action marks err as a heartbeat action failure
func Action(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrActionFailure)
}

// IsFatal reports whether err belongs to a class that must abort the caller
func IsFatal(err error) bool {
	return errors.Is(err, ErrAllocationFailure)
}
