// Package queuetest runs an in-memory queue with a live worker for tests of
// code that submits jobs.
package queuetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/storage"
	"github.com/kalambet/llmq/internal/worker"
)

// InferFunc adapts a function to worker.Inferer.
type InferFunc func(ctx context.Context, prompt, model string) (string, error)

func (f InferFunc) Complete(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}

// Harness is a running queue plus worker.
type Harness struct {
	Store    *storage.Store
	Queue    *queue.Queue
	Listener *queue.Listener
}

// Start opens an in-memory store, a queue and a worker driven by fn, and
// tears all of it down when the test ends.
func Start(t testing.TB, fn InferFunc) *Harness {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(store, queue.Options{PollInterval: 20 * time.Millisecond, Logger: logger})
	w := worker.New(q, fn, worker.Options{Poll: 10 * time.Millisecond, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.Run(ctx)
	}()

	l, err := q.Listen(context.Background())
	if err != nil {
		cancel()
		<-stopped
		store.Close()
		t.Fatalf("Listen: %v", err)
	}

	t.Cleanup(func() {
		l.Close()
		cancel()
		<-stopped
		q.Close()
		store.Close()
	})
	return &Harness{Store: store, Queue: q, Listener: l}
}
