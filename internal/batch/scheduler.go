package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of batch work: upscale Input and write it to Output.
type Task struct {
	Input  string
	Output string
}

// TaskError records one failed task for the report.
type TaskError struct {
	Index int
	Input string
	Err   string
}

// Report aggregates the outcome of a batch run.
type Report struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    []TaskError
	Duration  time.Duration
}

// Func executes one task on behalf of workerID. Implementations route the
// actual inference through the coordinator using that identity.
type Func func(ctx context.Context, workerID string, task Task) error

// Options configures a batch run.
type Options struct {
	// Workers is the pool size; <=0 uses available parallelism.
	Workers int
	// ContinueOnError keeps claiming tasks after a failure. When false,
	// unclaimed tasks are abandoned and in-flight tasks finish.
	ContinueOnError bool
	// OnProgress, if set, is called after every task completion with the
	// number done so far and the total. Called concurrently.
	OnProgress func(done, total int)
}

// Run fans tasks out across a fixed-size worker pool. Each worker claims
// the next task via a shared atomic cursor and runs it under its own
// stable identity, so per-worker inference contexts are reused across
// tasks. Cancellation is cooperative: a stop flag checked between tasks,
// never a forced interruption.
func Run(ctx context.Context, tasks []Task, fn Func, opts Options) Report {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(tasks) && len(tasks) > 0 {
		workers = len(tasks)
	}

	var (
		cursor atomic.Int64
		done   atomic.Int64
		stop   atomic.Bool

		mu        sync.Mutex
		succeeded int
		failed    int
		errs      []TaskError
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			workerID := fmt.Sprintf("batch-%d", slot)
			for {
				if stop.Load() || ctx.Err() != nil {
					return
				}
				n := int(cursor.Add(1)) - 1
				if n >= len(tasks) {
					return
				}
				err := fn(ctx, workerID, tasks[n])

				mu.Lock()
				if err != nil {
					failed++
					errs = append(errs, TaskError{Index: n, Input: tasks[n].Input, Err: err.Error()})
					if !opts.ContinueOnError {
						stop.Store(true)
					}
				} else {
					succeeded++
				}
				mu.Unlock()

				d := int(done.Add(1))
				if opts.OnProgress != nil {
					opts.OnProgress(d, len(tasks))
				}
			}
		}(i)
	}
	wg.Wait()

	return Report{
		Total:     len(tasks),
		Succeeded: succeeded,
		Failed:    failed,
		Errors:    errs,
		Duration:  time.Since(start),
	}
}
