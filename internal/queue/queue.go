// Package queue is the priority job queue shared by every inference caller.
// Submitters enqueue requests and wait on handles; a single worker claims
// jobs in priority order and resolves them through Resolve.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/kalambet/llmq/internal/storage"
)

const outcomeTopic = "llmq.outcomes"

// JobStore is the durable, priority-ordered job table behind the queue.
// Both storage.Store and storage.RedisStore satisfy it.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob() (*storage.Job, error)
	CompleteJob(id, result string) error
	FailJob(id, kind, errMsg string, retryable bool) (bool, error)
	GetJob(id string) (storage.Job, error)
	FinishedJobs(ids []string) ([]storage.Job, error)
	ListJobs(status string, limit int) ([]storage.Job, error)
	CountByStatus() (map[string]int, error)
	RequeueRunning() (int, error)
	PruneFinished(keep int) (int, error)
}

// Request describes a job to submit.
type Request struct {
	Name        string        `json:"name" validate:"max=128"`
	Source      string        `json:"source"`
	Prompt      string        `json:"prompt" validate:"required"`
	Model       string        `json:"model" validate:"required"`
	Priority    int           `json:"priority" validate:"gte=0,lte=8000"` // storage.MaxPriority
	Timeout     time.Duration `json:"timeout" validate:"gte=0"`
	MaxAttempts int           `json:"max_attempts" validate:"gte=0,lte=10"`
}

// Options tunes retention and polling.
type Options struct {
	// Retention is how long resolved outcomes stay in memory for late observers.
	Retention time.Duration
	// KeepFinished bounds the finished rows kept in the store; 0 disables pruning.
	KeepFinished int
	// PollInterval is how often a listener re-checks the store for all of its
	// open handles in one batch, which catches jobs resolved by a worker in
	// another process.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Queue coordinates submitters and the worker over a JobStore.
type Queue struct {
	store    JobStore
	outcomes *cache.Cache
	events   *gochannel.GoChannel
	ready    chan struct{}
	validate *validator.Validate
	opts     Options
	logger   *slog.Logger
}

// New creates a Queue over store.
func New(store JobStore, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		store:    store,
		outcomes: cache.New(opts.Retention, 2*opts.Retention),
		events: gochannel.NewGoChannel(
			gochannel.Config{},
			watermill.NewSlogLogger(opts.Logger),
		),
		ready:    make(chan struct{}, 1),
		validate: validator.New(),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Enqueue validates and stores a request and returns the new job ID.
// It never waits for the worker.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	id := uuid.New().String()
	if err := q.enqueue(ctx, id, req); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) enqueue(ctx context.Context, id string, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid job request: %w", err)
	}

	job := storage.Job{
		ID:          id,
		Name:        req.Name,
		Source:      req.Source,
		Prompt:      req.Prompt,
		Model:       req.Model,
		Priority:    req.Priority,
		Timeout:     req.Timeout,
		MaxAttempts: req.MaxAttempts,
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	q.logger.Debug("job enqueued", "job_id", id, "name", req.Name, "priority", req.Priority)
	q.notify()
	return nil
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready fires after an enqueue so an idle worker can skip its poll delay.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Claim hands the most urgent runnable job to the worker, or nil.
func (q *Queue) Claim() (*storage.Job, error) {
	return q.store.ClaimNextJob()
}

// Requeue returns jobs stranded in running back to pending.
func (q *Queue) Requeue() (int, error) {
	return q.store.RequeueRunning()
}

// Resolve records the outcome of a claimed job. Transient failures of jobs
// with attempts left are rescheduled by the store and are not published.
func (q *Queue) Resolve(job *storage.Job, o Outcome) error {
	o.JobID = job.ID

	if o.Failed() {
		final, err := q.store.FailJob(job.ID, string(o.Kind), o.Message, o.Kind == KindTransient)
		if err != nil {
			return fmt.Errorf("failing job %s: %w", job.ID, err)
		}
		if !final {
			q.logger.Info("job rescheduled", "job_id", job.ID, "error", o.Message)
			return nil
		}
	} else if err := q.store.CompleteJob(job.ID, o.Text); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}

	q.outcomes.Set(job.ID, o, cache.DefaultExpiration)
	q.publish(o)

	if q.opts.KeepFinished > 0 {
		if n, err := q.store.PruneFinished(q.opts.KeepFinished); err != nil {
			q.logger.Warn("pruning finished jobs failed", "error", err)
		} else if n > 0 {
			q.logger.Debug("pruned finished jobs", "count", n)
		}
	}
	return nil
}

func (q *Queue) publish(o Outcome) {
	payload, err := json.Marshal(o)
	if err != nil {
		q.logger.Error("encoding outcome", "job_id", o.JobID, "error", err)
		return
	}
	if err := q.events.Publish(outcomeTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		q.logger.Warn("publishing outcome", "job_id", o.JobID, "error", err)
	}
}

// Outcome looks up a resolved job. ok is false while the job is still
// pending or running. storage.ErrNotFound is returned for unknown IDs.
func (q *Queue) Outcome(id string) (o Outcome, ok bool, err error) {
	if v, found := q.outcomes.Get(id); found {
		return v.(Outcome), true, nil
	}
	j, err := q.store.GetJob(id)
	if err != nil {
		return Outcome{}, false, err
	}
	if !j.Finished() {
		return Outcome{}, false, nil
	}
	return outcomeFromJob(j), true, nil
}

// Job returns the stored job row.
func (q *Queue) Job(id string) (storage.Job, error) {
	return q.store.GetJob(id)
}

// Jobs lists jobs newest first, optionally filtered by status.
func (q *Queue) Jobs(status string, limit int) ([]storage.Job, error) {
	return q.store.ListJobs(status, limit)
}

// Stats returns job counts per status.
func (q *Queue) Stats() (map[string]int, error) {
	return q.store.CountByStatus()
}

// Close shuts down outcome delivery. Open listeners observe ErrListenerClosed.
func (q *Queue) Close() error {
	return q.events.Close()
}

// IsValidation reports whether err came from request validation.
func IsValidation(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs)
}
