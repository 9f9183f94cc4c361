package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/pkg/types"
)

// Job is one admitted inference request. State transitions are made by the
// worker executing it and by the queue on cancellation; everything mutable
// sits behind the job's own mutex so polls on different jobs never contend.
type Job struct {
	ID     string
	Caller string
	Input  *tensor.Tensor

	cancelled atomic.Bool
	done      chan struct{}

	mu        sync.Mutex
	state     types.JobState
	result    *tensor.Tensor
	execErr   error
	created   time.Time
	started   time.Time
	completed time.Time
}

// Snapshot is a point-in-time read-only view of a job.
type Snapshot struct {
	ID        string
	Caller    string
	State     types.JobState
	Result    *tensor.Tensor
	Err       string
	Created   time.Time
	Started   time.Time
	Completed time.Time
}

// QueueDur returns time spent queued, zero until the job started.
func (s Snapshot) QueueDur() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	return s.Started.Sub(s.Created)
}

// RunDur returns execution time, zero until the job completed.
func (s Snapshot) RunDur() time.Duration {
	if s.Completed.IsZero() || s.Started.IsZero() {
		return 0
	}
	return s.Completed.Sub(s.Started)
}

func newJob(id, caller string, input *tensor.Tensor) *Job {
	return &Job{
		ID:      id,
		Caller:  caller,
		Input:   input,
		done:    make(chan struct{}),
		state:   types.JobQueued,
		created: time.Now(),
	}
}

func (j *Job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:        j.ID,
		Caller:    j.Caller,
		State:     j.state,
		Result:    j.result,
		Err:       errString(j.execErr),
		Created:   j.created,
		Started:   j.started,
		Completed: j.completed,
	}
}

// markRunning transitions Queued -> Running. Returns false if the job was
// cancelled while queued; the worker then skips it.
func (j *Job) markRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != types.JobQueued {
		return false
	}
	j.state = types.JobRunning
	j.started = time.Now()
	return true
}

// finish records the terminal state. A cancellation observed after the
// inference step wins over the result: the result is discarded by design.
func (j *Job) finish(result *tensor.Tensor, err error) types.JobState {
	j.mu.Lock()
	switch {
	case j.cancelled.Load():
		j.state = types.JobCancelled
	case err != nil:
		j.state = types.JobFailed
		j.execErr = err
	default:
		j.state = types.JobSucceeded
		j.result = result
	}
	j.completed = time.Now()
	final := j.state
	j.mu.Unlock()
	close(j.done)
	return final
}

// cancelQueued transitions Queued -> Cancelled. Returns false when the job
// already left the queued state.
func (j *Job) cancelQueued() bool {
	j.mu.Lock()
	if j.state != types.JobQueued {
		j.mu.Unlock()
		return false
	}
	j.state = types.JobCancelled
	j.completed = time.Now()
	j.mu.Unlock()
	close(j.done)
	return true
}

func (j *Job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal()
}

func (j *Job) completedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
