package queue

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ktheindifferent/upscaled/internal/audit"
	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/pkg/types"
)

// Inferer is the compute dependency: one forward pass bound to a worker
// identity. *infer.Coordinator implements it.
type Inferer interface {
	Infer(workerID string, input *tensor.Tensor) (*tensor.Tensor, error)
}

// Defaults applied when corresponding Config fields are unset.
const (
	defaultWorkers        = 0 // GOMAXPROCS
	defaultMaxOutstanding = 256
	defaultRateCapacity   = 60
	defaultRateRefill     = 1.0
	defaultRetentionAge   = 10 * time.Minute
	defaultRetentionMax   = 1024
	defaultSweepSpec      = "@every 30s"
	defaultWaitTimeout    = 60 * time.Second
)

// Config encapsulates all queue tunables.
type Config struct {
	// Workers is the fixed pool size; <=0 uses available parallelism.
	Workers int
	// MaxOutstanding bounds non-terminal jobs (queued + running).
	MaxOutstanding int
	// RateCapacity is the per-caller token bucket size.
	RateCapacity int
	// RateRefillPerSec is tokens regained per second per caller.
	RateRefillPerSec float64
	// RetentionAge evicts terminal jobs older than this.
	RetentionAge time.Duration
	// RetentionMax caps retained terminal jobs; oldest evicted first.
	RetentionMax int
	// SweepSpec is the cron schedule for the retention sweeper.
	SweepSpec string
	// WaitTimeout is the default SubmitAndWait budget.
	WaitTimeout time.Duration
	// Publisher receives one audit event per admission decision and
	// completion. Nil disables auditing.
	Publisher audit.Publisher
	// Logger for queue lifecycle messages. Zero value is fine.
	Logger zerolog.Logger
	// OnSweep, if set, runs on every retention sweep. Used to evict idle
	// inference contexts on the same cadence.
	OnSweep func()
}

// Queue accepts inference requests from the request boundary, applies
// admission control and dispatches admitted jobs FIFO to a fixed worker
// pool. Completion order is not guaranteed across jobs.
type Queue struct {
	cfg   Config
	infer Inferer
	jobs  *table
	lims  *limiterSet
	pub   audit.Publisher
	log   zerolog.Logger

	pending chan *Job
	stop    chan struct{}
	wg      sync.WaitGroup
	cron    *cron.Cron
	closed  atomic.Bool

	outstanding atomic.Int64
	admitted    atomic.Uint64
	rejected    atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64

	started time.Time
}

// Stats is a point-in-time view for status reporting.
type Stats struct {
	Workers     int
	QueueDepth  int
	Outstanding int
	Admitted    uint64
	Rejected    uint64
	Succeeded   uint64
	Failed      uint64
	Cancelled   uint64
	Uptime      time.Duration
}

// New builds the queue and starts its worker pool and retention sweeper.
func New(inf Inferer, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = defaultMaxOutstanding
	}
	if cfg.RateCapacity <= 0 {
		cfg.RateCapacity = defaultRateCapacity
	}
	if cfg.RateRefillPerSec <= 0 {
		cfg.RateRefillPerSec = defaultRateRefill
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = defaultRetentionAge
	}
	if cfg.RetentionMax <= 0 {
		cfg.RetentionMax = defaultRetentionMax
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = defaultSweepSpec
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = audit.NopPublisher{}
	}

	q := &Queue{
		cfg:     cfg,
		infer:   inf,
		jobs:    newTable(),
		lims:    newLimiterSet(cfg.RateCapacity, cfg.RateRefillPerSec),
		pub:     cfg.Publisher,
		log:     cfg.Logger,
		pending: make(chan *Job, cfg.MaxOutstanding),
		stop:    make(chan struct{}),
		started: time.Now(),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(fmt.Sprintf("worker-%d", i))
	}
	q.cron = cron.New()
	if _, err := q.cron.AddFunc(cfg.SweepSpec, q.Sweep); err != nil {
		// Bad spec falls back to the default cadence.
		_, _ = q.cron.AddFunc(defaultSweepSpec, q.Sweep)
	}
	q.cron.Start()
	return q
}

// Submit applies admission control and enqueues the job. It returns the
// assigned job id or a rejection: ErrInvalidInput, ErrRateLimited,
// ErrQueueFull, ErrQueueClosed. Rejections are never retried internally.
func (q *Queue) Submit(caller string, input *tensor.Tensor) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed()
	}
	if caller == "" {
		caller = "anonymous"
	}
	if err := validatePayload(input); err != nil {
		q.reject(caller, "", "invalid_input", err)
		return "", err
	}
	if retry, ok := q.lims.take(caller); !ok {
		err := ErrRateLimited(caller, retry)
		q.reject(caller, "", "rate_limited", err)
		return "", err
	}
	// Token consumed; the outstanding bound is checked next. A rejection
	// here deliberately does not refund the token (the caller did spend
	// an admission attempt).
	if n := q.outstanding.Add(1); n > int64(q.cfg.MaxOutstanding) {
		q.outstanding.Add(-1)
		err := ErrQueueFull(q.cfg.MaxOutstanding)
		q.reject(caller, "", "queue_full", err)
		return "", err
	}

	job := newJob(uuid.NewString(), caller, input)
	q.jobs.put(job)
	q.admitted.Add(1)
	jobsAdmittedTotal.Inc()
	queueDepth.Set(float64(len(q.pending) + 1))
	q.pub.Publish(audit.Event{
		Time:     time.Now(),
		Kind:     audit.KindJobAdmitted,
		Caller:   caller,
		JobID:    job.ID,
		Decision: "accepted",
	})
	// Never blocks: channel capacity equals the outstanding bound.
	q.pending <- job
	return job.ID, nil
}

// Status returns a snapshot of the job, or ErrJobNotFound for unknown or
// already-evicted ids.
func (q *Queue) Status(id string) (Snapshot, error) {
	job, ok := q.jobs.get(id)
	if !ok {
		return Snapshot{}, ErrJobNotFound(id)
	}
	return job.snapshot(), nil
}

// Cancel stops a job cooperatively. A queued job flips straight to
// Cancelled; a running job finishes its current inference step first and
// its result is discarded. Cancelling a terminal job is a no-op.
func (q *Queue) Cancel(id string) error {
	job, ok := q.jobs.get(id)
	if !ok {
		return ErrJobNotFound(id)
	}
	if job.cancelQueued() {
		// Counters update now; the outstanding slot is not released until a
		// worker drains the job's channel slot.
		q.finishAccounting(job, types.JobCancelled)
		return nil
	}
	// Running (or already terminal): set the flag; the executing worker
	// honors it after the in-flight step.
	job.cancelled.Store(true)
	return nil
}

// SubmitAndWait submits then blocks until the job reaches a terminal state
// or the timeout elapses. On timeout the job is cancelled and
// ErrWaitTimeout returned; a late result is discarded but the job record
// remains until retention evicts it.
func (q *Queue) SubmitAndWait(ctx context.Context, caller string, input *tensor.Tensor, timeout time.Duration) (*tensor.Tensor, error) {
	if timeout <= 0 {
		timeout = q.cfg.WaitTimeout
	}
	id, err := q.Submit(caller, input)
	if err != nil {
		return nil, err
	}
	job, ok := q.jobs.get(id)
	if !ok {
		return nil, ErrJobNotFound(id)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-job.done:
		snap := job.snapshot()
		switch snap.State {
		case types.JobSucceeded:
			return snap.Result, nil
		case types.JobCancelled:
			return nil, ErrJobCancelled(id)
		default:
			job.mu.Lock()
			execErr := job.execErr
			job.mu.Unlock()
			return nil, execErr
		}
	case <-timer.C:
		_ = q.Cancel(id)
		return nil, ErrWaitTimeout(id)
	case <-ctx.Done():
		_ = q.Cancel(id)
		return nil, ctx.Err()
	}
}

// Stats returns queue counters for status reporting.
func (q *Queue) Stats() Stats {
	return Stats{
		Workers:     q.cfg.Workers,
		QueueDepth:  len(q.pending),
		Outstanding: int(q.outstanding.Load()),
		Admitted:    q.admitted.Load(),
		Rejected:    q.rejected.Load(),
		Succeeded:   q.succeeded.Load(),
		Failed:      q.failed.Load(),
		Cancelled:   q.cancelled.Load(),
		Uptime:      time.Since(q.started),
	}
}

// Ready reports whether the queue accepts submissions.
func (q *Queue) Ready() bool { return !q.closed.Load() }

// Sweep enforces the retention policy: terminal jobs older than
// RetentionAge go first, then oldest terminal jobs beyond RetentionMax.
// Eviction of a job the client has not polled yet is acceptable; clients
// needing guaranteed delivery poll promptly or use the synchronous path.
func (q *Queue) Sweep() {
	type aged struct {
		id string
		at time.Time
	}
	cutoff := time.Now().Add(-q.cfg.RetentionAge)
	var terminal []aged
	q.jobs.each(func(j *Job) {
		if !j.terminal() {
			return
		}
		terminal = append(terminal, aged{id: j.ID, at: j.completedAt()})
	})
	sort.Slice(terminal, func(i, k int) bool { return terminal[i].at.Before(terminal[k].at) })

	evicted := 0
	keep := terminal[:0]
	for _, a := range terminal {
		if a.at.Before(cutoff) {
			q.jobs.delete(a.id)
			evicted++
			continue
		}
		keep = append(keep, a)
	}
	if over := len(keep) - q.cfg.RetentionMax; over > 0 {
		for _, a := range keep[:over] {
			q.jobs.delete(a.id)
			evicted++
		}
	}
	if evicted > 0 {
		q.log.Debug().Int("evicted", evicted).Msg("retention sweep")
	}
	if q.cfg.OnSweep != nil {
		q.cfg.OnSweep()
	}
}

// Close stops admission, halts the sweeper and waits for in-flight jobs
// until ctx expires. Jobs still queued at shutdown stay queued and are
// dropped with the process.
func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}
	q.cron.Stop()
	close(q.stop)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(workerID string) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.pending:
			q.runJob(workerID, job)
		}
	}
}

func (q *Queue) runJob(workerID string, job *Job) {
	queueDepth.Set(float64(len(q.pending)))
	// The outstanding slot frees exactly when the channel slot does, so the
	// admission gate always reflects channel occupancy and sends in Submit
	// cannot block.
	defer q.outstanding.Add(-1)
	if !job.markRunning() {
		// Cancelled while queued; counters were recorded by Cancel.
		return
	}
	out, err := q.infer.Infer(workerID, job.Input)
	final := job.finish(out, err)
	q.finishAccounting(job, final)
}

func (q *Queue) finishAccounting(job *Job, final types.JobState) {
	snap := job.snapshot()
	jobDuration.Observe(snap.Completed.Sub(snap.Created).Seconds())
	kind := audit.KindJobCompleted
	switch final {
	case types.JobSucceeded:
		q.succeeded.Add(1)
		jobsCompletedTotal.WithLabelValues("succeeded").Inc()
	case types.JobFailed:
		q.failed.Add(1)
		jobsCompletedTotal.WithLabelValues("failed").Inc()
	case types.JobCancelled:
		q.cancelled.Add(1)
		jobsCompletedTotal.WithLabelValues("cancelled").Inc()
		kind = audit.KindJobCancelled
	}
	q.pub.Publish(audit.Event{
		Time:     time.Now(),
		Kind:     kind,
		Caller:   job.Caller,
		JobID:    job.ID,
		Decision: string(final),
		Reason:   snap.Err,
	})
}

func (q *Queue) reject(caller, jobID, reason string, err error) {
	q.rejected.Add(1)
	jobsRejectedTotal.WithLabelValues(reason).Inc()
	q.pub.Publish(audit.Event{
		Time:     time.Now(),
		Kind:     audit.KindJobRejected,
		Caller:   caller,
		JobID:    jobID,
		Decision: "rejected",
		Reason:   err.Error(),
	})
}

// validatePayload applies the same checks the synchronous path uses.
func validatePayload(input *tensor.Tensor) error {
	if input == nil || input.Elems() == 0 {
		return ErrInvalidInput("empty image payload")
	}
	if input.Rank() != 3 {
		return ErrInvalidInput(fmt.Sprintf("expected rank-3 image tensor, got rank %d", input.Rank()))
	}
	if input.Dim(2) != 3 {
		return ErrInvalidInput(fmt.Sprintf("expected 3 channels, got %d", input.Dim(2)))
	}
	return nil
}
