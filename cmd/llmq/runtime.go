package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kalambet/llmq/internal/config"
	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/logging"
	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/storage"
	"github.com/kalambet/llmq/internal/worker"
)

// jobStore is a queue.JobStore that owns a connection.
type jobStore interface {
	queue.JobStore
	Close() error
}

// setup loads the config and installs the default logger. The closer
// releases the log file.
func setup() (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, closer := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Stderr: os.Stderr,
	})
	return cfg, logger, closer, nil
}

func openStore(cfg config.Config) (jobStore, error) {
	if cfg.Queue.Backend == config.BackendRedis {
		s, err := storage.OpenRedis(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		return s, nil
	}
	s, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return s, nil
}

func newWorker(cfg config.Config, q *queue.Queue, logger *slog.Logger) *worker.Worker {
	llm := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.APIKey)
	return worker.New(q, llm, worker.Options{
		DefaultTimeout: cfg.Queue.DefaultTimeout,
		Logger:         logger,
	})
}

// runtime is an open store and queue, an outcome listener, and optionally
// a worker running in this process.
type runtime struct {
	store    jobStore
	queue    *queue.Queue
	listener *queue.Listener

	stopWorker context.CancelFunc
	workerDone chan struct{}
}

func startRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, embedded bool) (*runtime, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	q := queue.New(store, queue.Options{
		Retention:    cfg.Queue.Retention,
		KeepFinished: cfg.Queue.KeepFinished,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       logger,
	})

	l, err := q.Listen(ctx)
	if err != nil {
		q.Close()
		store.Close()
		return nil, fmt.Errorf("listening for outcomes: %w", err)
	}

	rt := &runtime{store: store, queue: q, listener: l}
	if embedded {
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.stopWorker = cancel
		rt.workerDone = make(chan struct{})
		w := newWorker(cfg, q, logger)
		go func() {
			defer close(rt.workerDone)
			w.Run(workerCtx)
		}()
	} else {
		logger.Info("embedded worker disabled; jobs wait for an external worker")
	}
	return rt, nil
}

// Close closes the listener first, then stops the worker and releases the
// store. It is safe to call on every exit path.
func (rt *runtime) Close() error {
	errs := []error{rt.listener.Close()}
	if rt.stopWorker != nil {
		rt.stopWorker()
		<-rt.workerDone
	}
	errs = append(errs, rt.queue.Close(), rt.store.Close())
	return errors.Join(errs...)
}
