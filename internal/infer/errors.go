package infer

import "fmt"

// shapeMismatchError reports input dims incompatible with the model.
type shapeMismatchError struct {
	expected string
	actual   string
}

func (e shapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: expected %s, got %s", e.expected, e.actual)
}

// ErrShapeMismatch constructs a shape mismatch with expected vs actual dims.
func ErrShapeMismatch(expected, actual string) error {
	return shapeMismatchError{expected: expected, actual: actual}
}

// IsShapeMismatch reports whether err is an input shape mismatch.
func IsShapeMismatch(err error) bool {
	_, ok := err.(shapeMismatchError)
	return ok
}

// numericalFailureError reports non-finite values in the output. Not
// retried: it indicates a corrupt model or pathological input, not a
// transient fault.
type numericalFailureError struct {
	index int
}

func (e numericalFailureError) Error() string {
	return fmt.Sprintf("numerical failure: non-finite value at output element %d", e.index)
}

// ErrNumericalFailure constructs a numerical failure at output element index.
func ErrNumericalFailure(index int) error { return numericalFailureError{index: index} }

// IsNumericalFailure reports whether err indicates non-finite output.
func IsNumericalFailure(err error) bool {
	_, ok := err.(numericalFailureError)
	return ok
}

// closedError signals the coordinator is shutting down.
type closedError struct{}

func (closedError) Error() string { return "coordinator closed" }

// ErrClosed is returned by Infer after Close has begun.
func ErrClosed() error { return closedError{} }

// IsClosed reports whether err means the coordinator was shut down.
func IsClosed(err error) bool {
	_, ok := err.(closedError)
	return ok
}
