package queue

import (
	"fmt"
	"time"
)

// rateLimitedError signals the caller's token bucket is empty (429 with
// Retry-After at the boundary).
type rateLimitedError struct {
	caller     string
	retryAfter time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: caller %q must wait %s", e.caller, e.retryAfter.Round(time.Millisecond))
}

// ErrRateLimited constructs a rate-limit rejection.
func ErrRateLimited(caller string, retryAfter time.Duration) error {
	return rateLimitedError{caller: caller, retryAfter: retryAfter}
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	_, ok := err.(rateLimitedError)
	return ok
}

// RetryAfter extracts the wait hint from a rate-limit rejection, or 0.
func RetryAfter(err error) time.Duration {
	if e, ok := err.(rateLimitedError); ok {
		return e.retryAfter
	}
	return 0
}

// queueFullError signals the outstanding-jobs bound was hit.
type queueFullError struct{ limit int }

func (e queueFullError) Error() string {
	return fmt.Sprintf("queue full: %d outstanding jobs", e.limit)
}

// ErrQueueFull constructs a queue-full rejection.
func ErrQueueFull(limit int) error { return queueFullError{limit: limit} }

// IsQueueFull reports whether err is a queue-full rejection.
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}

// invalidInputError signals the payload failed admission validation.
type invalidInputError struct{ reason string }

func (e invalidInputError) Error() string { return "invalid input: " + e.reason }

// ErrInvalidInput constructs an input validation rejection.
func ErrInvalidInput(reason string) error { return invalidInputError{reason: reason} }

// IsInvalidInput reports whether err is an input validation rejection.
func IsInvalidInput(err error) bool {
	_, ok := err.(invalidInputError)
	return ok
}

// notFoundError signals an unknown (or already evicted) job id.
type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "job not found: " + e.id }

// ErrJobNotFound constructs a not-found error for a job id.
func ErrJobNotFound(id string) error { return notFoundError{id: id} }

// IsJobNotFound reports whether err means the job id is unknown.
func IsJobNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// waitTimeoutError signals a synchronous wait elapsed; the job was
// cancelled cooperatively and any late result is discarded.
type waitTimeoutError struct{ id string }

func (e waitTimeoutError) Error() string { return "timed out waiting for job " + e.id }

// ErrWaitTimeout constructs a synchronous-wait timeout.
func ErrWaitTimeout(id string) error { return waitTimeoutError{id: id} }

// IsWaitTimeout reports whether err is a synchronous-wait timeout.
func IsWaitTimeout(err error) bool {
	_, ok := err.(waitTimeoutError)
	return ok
}

// cancelledError signals the awaited job ended cancelled.
type cancelledError struct{ id string }

func (e cancelledError) Error() string { return "job cancelled: " + e.id }

// ErrJobCancelled constructs a cancelled-job error.
func ErrJobCancelled(id string) error { return cancelledError{id: id} }

// IsJobCancelled reports whether err means the job was cancelled.
func IsJobCancelled(err error) bool {
	_, ok := err.(cancelledError)
	return ok
}

// closedError signals the queue stopped accepting work.
type closedError struct{}

func (closedError) Error() string { return "queue closed" }

// ErrQueueClosed is returned by Submit after Close has begun.
func ErrQueueClosed() error { return closedError{} }

// IsQueueClosed reports whether err means the queue was shut down.
func IsQueueClosed(err error) bool {
	_, ok := err.(closedError)
	return ok
}
