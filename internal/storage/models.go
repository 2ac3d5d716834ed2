package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrPriorityRange is returned for a priority outside [0, MaxPriority].
var ErrPriorityRange = errors.New("priority out of range")

// MaxPriority is the largest priority a job may carry. The Redis store packs
// priority and sequence into one float64 score and needs the bound to keep
// bands distinct.
const MaxPriority = 8000

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one inference request in the priority queue. Prompt, model,
// priority and timeout never change after EnqueueJob; the remaining fields
// are bookkeeping owned by the store.
type Job struct {
	Seq         int64
	ID          string
	Name        string
	Source      string
	Prompt      string
	Model       string
	Priority    int
	Timeout     time.Duration
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	Result      string
	ErrorKind   string
	LastError   string
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
