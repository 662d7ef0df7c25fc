package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/simharness/internal/scenario"
	"github.com/roach88/simharness/internal/table"
)

// Runner executes one scenario and returns its result table.
// *proc.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, payload []byte) (*table.Table, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, payload []byte) (*table.Table, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, payload []byte) (*table.Table, error) {
	return f(ctx, payload)
}

// Observer receives task lifecycle notifications. active is the number of
// tasks admitted and not yet finished, including the one reported.
// Calls may come from several goroutines at once.
type Observer interface {
	TaskStarted(run int, active int)
	TaskFinished(run int, active int, err error)
}

// Options configures a pool run.
type Options struct {
	// Tasks is the number of runs; run indices cover [0, Tasks).
	Tasks int
	// Concurrency bounds the number of live tasks. Zero means
	// runtime.NumCPU().
	Concurrency int
	// Timeout bounds each task's scenario source call and, separately, its
	// runner call. Zero means no limit.
	Timeout time.Duration
	// Observer is optional.
	Observer Observer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Outcome is the result of one task.
type Outcome struct {
	Run      int
	Params   []table.Field // scenario parameters reported by the source
	Table    *table.Table  // nil when the runner failed to produce a table
	Err      error
	Duration time.Duration
}

// Failed reports whether the task failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// ScenarioError reports that the scenario source failed for a task.
type ScenarioError struct {
	Run int
	Err error
}

func (e *ScenarioError) Error() string {
	return fmt.Sprintf("scenario for run %d: %v", e.Run, e.Err)
}

func (e *ScenarioError) Unwrap() error {
	return e.Err
}

// IsScenarioError reports whether err is or wraps a *ScenarioError.
func IsScenarioError(err error) bool {
	var se *ScenarioError
	return errors.As(err, &se)
}

// Stream starts the tasks and returns a channel that yields exactly
// opts.Tasks outcomes in completion order, then closes.
//
// If ctx is cancelled, running tasks see the cancellation through their
// context and tasks not yet admitted are reported with ctx's error.
func Stream(ctx context.Context, opts Options, source scenario.Source, runner Runner) <-chan Outcome {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if opts.Tasks > 0 && concurrency > opts.Tasks {
		concurrency = opts.Tasks
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := make(chan Outcome, concurrency)
	if opts.Tasks <= 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)

		sem := semaphore.NewWeighted(int64(concurrency))
		var (
			wg     sync.WaitGroup
			active atomic.Int64
		)

		for run := 0; run < opts.Tasks; run++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Admission stopped; every remaining index still gets an outcome.
				for rest := run; rest < opts.Tasks; rest++ {
					out <- Outcome{Run: rest, Err: fmt.Errorf("run %d not started: %w", rest, err)}
				}
				break
			}

			sc, err := generate(ctx, opts.Timeout, run, source)
			if err != nil {
				sem.Release(1)
				logger.Warn("scenario source failed", "run", run, "error", err)
				out <- Outcome{Run: run, Err: &ScenarioError{Run: run, Err: err}}
				continue
			}

			n := int(active.Add(1))
			if opts.Observer != nil {
				opts.Observer.TaskStarted(run, n)
			}

			wg.Add(1)
			go func(run int, sc scenario.Scenario) {
				defer wg.Done()
				defer sem.Release(1)

				o := execute(ctx, opts.Timeout, run, sc, runner)
				if o.Err != nil {
					logger.Warn("run failed", "run", run, "duration", o.Duration, "error", o.Err)
				} else {
					logger.Debug("run finished", "run", run, "rows", o.Table.Len(), "duration", o.Duration)
				}

				// Report before decrementing so the observer never sees a
				// finished task counted as inactive while it still runs.
				if opts.Observer != nil {
					opts.Observer.TaskFinished(run, int(active.Load()), o.Err)
				}
				active.Add(-1)
				out <- o
			}(run, sc)
		}

		wg.Wait()
	}()

	return out
}

// generate calls source under the task timeout. Sources run on the
// submission goroutine, so a hung generator would otherwise stall the batch.
func generate(ctx context.Context, timeout time.Duration, run int, source scenario.Source) (scenario.Scenario, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return source(ctx, run)
}

func execute(ctx context.Context, timeout time.Duration, run int, sc scenario.Scenario, runner Runner) Outcome {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	tbl, err := runner.Run(ctx, sc.Payload)
	return Outcome{
		Run:      run,
		Params:   sc.Params,
		Table:    tbl,
		Err:      err,
		Duration: time.Since(start),
	}
}

// Run is Stream collected into a slice sorted by run index.
func Run(ctx context.Context, opts Options, source scenario.Source, runner Runner) []Outcome {
	outcomes := make([]Outcome, max(opts.Tasks, 0))
	for o := range Stream(ctx, opts, source, runner) {
		outcomes[o.Run] = o
	}
	return outcomes
}
