package queue

import (
	"errors"
	"fmt"

	"github.com/kalambet/llmq/internal/storage"
)

// FailureKind classifies a failed job.
type FailureKind string

const (
	// KindTimeout means the job's deadline fired first. Never retried.
	KindTimeout FailureKind = "timeout"
	// KindTransient covers network and server-side failures.
	KindTransient FailureKind = "transient"
	// KindFatal covers requests the backend rejected outright.
	KindFatal FailureKind = "fatal"
)

var (
	ErrTimeout        = errors.New("job timed out")
	ErrTransient      = errors.New("job failed")
	ErrFatal          = errors.New("job rejected")
	ErrListenerClosed = errors.New("listener closed")
)

// JobError is the error returned by Handle.Await for a failed job.
// errors.Is matches it against ErrTimeout, ErrTransient or ErrFatal.
type JobError struct {
	JobID   string
	Kind    FailureKind
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Kind, e.Message)
}

func (e *JobError) Unwrap() error {
	switch e.Kind {
	case KindTimeout:
		return ErrTimeout
	case KindFatal:
		return ErrFatal
	default:
		return ErrTransient
	}
}

// Outcome is the resolution of a job: either Text or a failure Kind.
type Outcome struct {
	JobID   string      `json:"job_id"`
	Text    string      `json:"text,omitempty"`
	Kind    FailureKind `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Success builds a successful outcome.
func Success(text string) Outcome {
	return Outcome{Text: text}
}

// Failure builds a failed outcome.
func Failure(kind FailureKind, message string) Outcome {
	return Outcome{Kind: kind, Message: message}
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Kind != ""
}

// Result converts the outcome into the (text, error) pair callers consume.
func (o Outcome) Result() (string, error) {
	if o.Failed() {
		return "", &JobError{JobID: o.JobID, Kind: o.Kind, Message: o.Message}
	}
	return o.Text, nil
}

func outcomeFromJob(j storage.Job) Outcome {
	var o Outcome
	if j.Status == storage.StatusFailed {
		kind := FailureKind(j.ErrorKind)
		if kind == "" {
			kind = KindTransient
		}
		o = Failure(kind, j.LastError)
	} else {
		o = Success(j.Result)
	}
	o.JobID = j.ID
	return o
}
