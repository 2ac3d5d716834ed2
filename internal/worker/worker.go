// Package worker drains the job queue one job at a time under a hard
// per-job deadline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/storage"
)

// DefaultTimeout applies to jobs submitted without a timeout.
const DefaultTimeout = 20 * time.Minute

// errDeadline is the cancellation cause set when a job's timer fires.
var errDeadline = errors.New("job deadline exceeded")

// Inferer runs one completion.
type Inferer interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// JobQueue is the part of queue.Queue the worker drives.
type JobQueue interface {
	Claim() (*storage.Job, error)
	Resolve(job *storage.Job, o queue.Outcome) error
	Requeue() (int, error)
	Ready() <-chan struct{}
}

type timer interface {
	Stop() bool
}

// Options configures a Worker.
type Options struct {
	// Poll is the idle delay between claim attempts; defaults to 500ms.
	Poll time.Duration
	// DefaultTimeout is used for jobs with no timeout; defaults to 20 minutes.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Worker is the single consumer of the queue.
type Worker struct {
	jobs           JobQueue
	llm            Inferer
	poll           time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger

	// afterFunc schedules the deadline; swapped in tests.
	afterFunc func(time.Duration, func()) timer
}

// New creates a Worker.
func New(jobs JobQueue, llm Inferer, opts Options) *Worker {
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		jobs:           jobs,
		llm:            llm,
		poll:           opts.Poll,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Run processes jobs until ctx is cancelled. Jobs a previous process left
// running are put back in the queue first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.jobs.Requeue(); err != nil {
		w.logger.Error("requeueing stranded jobs failed", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued stranded jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.jobs.Ready():
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.Claim()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	outcome, err := w.execute(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		// Left running; the next worker start puts it back in the queue.
		w.logger.Warn("job interrupted by shutdown", "job_id", job.ID, "name", job.Name, "elapsed", elapsed)
		return true, nil
	}

	if outcome.Failed() {
		w.logger.Warn("job failed", "job_id", job.ID, "name", job.Name, "kind", outcome.Kind, "error", outcome.Message, "elapsed", elapsed)
	} else {
		w.logger.Info("job completed", "job_id", job.ID, "name", job.Name, "priority", job.Priority, "elapsed", elapsed)
	}

	if err := w.jobs.Resolve(job, outcome); err != nil {
		return true, fmt.Errorf("resolving job %s: %w", job.ID, err)
	}
	return true, nil
}

type inferResult struct {
	text string
	err  error
}

// execute runs the inference call under the job's deadline. When the
// deadline fires the call is cancelled and execute returns at once, without
// waiting for the call to notice. A non-nil error means ctx ended first and
// the job has no outcome.
func (w *Worker) execute(ctx context.Context, job *storage.Job) (queue.Outcome, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	t := w.afterFunc(timeout, func() { cancel(errDeadline) })
	var stopOnce sync.Once
	defer stopOnce.Do(func() { t.Stop() })

	results := make(chan inferResult, 1)
	go func() {
		text, err := w.llm.Complete(callCtx, job.Prompt, job.Model)
		results <- inferResult{text: text, err: err}
	}()

	select {
	case r := <-results:
		stopOnce.Do(func() { t.Stop() })
		if r.err == nil {
			return queue.Success(r.text), nil
		}
		if errors.Is(context.Cause(callCtx), errDeadline) {
			return timeoutOutcome(timeout), nil
		}
		if ctx.Err() != nil {
			return queue.Outcome{}, ctx.Err()
		}
		return classify(r.err), nil
	case <-callCtx.Done():
		if errors.Is(context.Cause(callCtx), errDeadline) {
			return timeoutOutcome(timeout), nil
		}
		return queue.Outcome{}, ctx.Err()
	}
}

func timeoutOutcome(timeout time.Duration) queue.Outcome {
	return queue.Failure(queue.KindTimeout, fmt.Sprintf("hard timeout after %s", timeout))
}

func classify(err error) queue.Outcome {
	var se *inference.StatusError
	if errors.As(err, &se) && se.Permanent() {
		return queue.Failure(queue.KindFatal, err.Error())
	}
	return queue.Failure(queue.KindTransient, err.Error())
}
