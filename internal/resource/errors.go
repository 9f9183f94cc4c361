package resource

import "fmt"

// outOfMemoryError signals the accounting ledger could not fit a
// reservation. The task fails; the worker pool keeps running.
type outOfMemoryError struct {
	requested int64
	available int64
}

func (e outOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: requested %d bytes, %d available", e.requested, e.available)
}

// ErrOutOfMemory constructs an out-of-memory reservation failure.
func ErrOutOfMemory(requested, available int64) error {
	return outOfMemoryError{requested: requested, available: available}
}

// IsOutOfMemory reports whether err is a failed memory reservation.
func IsOutOfMemory(err error) bool {
	_, ok := err.(outOfMemoryError)
	return ok
}

// backendUnavailableError signals work was requested on a backend that is
// not implemented. Callers choose the fallback; the ledger never
// substitutes backends transparently.
type backendUnavailableError struct{ b Backend }

func (e backendUnavailableError) Error() string {
	return "backend unavailable: " + e.b.String()
}

// ErrBackendUnavailable constructs a backendUnavailableError.
func ErrBackendUnavailable(b Backend) error { return backendUnavailableError{b: b} }

// IsBackendUnavailable reports whether err indicates an unimplemented backend.
func IsBackendUnavailable(err error) bool {
	_, ok := err.(backendUnavailableError)
	return ok
}
