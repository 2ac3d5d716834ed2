package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener is an open subscription to job outcomes. Each caller that
// submits work (a search, a summarization run) owns one and closes it when
// done; independent listeners do not share state.
type Listener struct {
	q      *Queue
	cancel context.CancelFunc
	done   chan struct{}
	polled chan struct{}

	mu      sync.Mutex
	waiters map[string]chan Outcome

	closeOnce sync.Once
}

// Listen opens a Listener.
func (q *Queue) Listen(ctx context.Context) (*Listener, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := q.events.Subscribe(subCtx, outcomeTopic)
	if err != nil {
		cancel()
		return nil, err
	}

	l := &Listener{
		q:       q,
		cancel:  cancel,
		done:    make(chan struct{}),
		polled:  make(chan struct{}),
		waiters: make(map[string]chan Outcome),
	}
	go l.poll(subCtx)
	go func() {
		defer close(l.done)
		for msg := range msgs {
			var o Outcome
			if err := json.Unmarshal(msg.Payload, &o); err != nil {
				q.logger.Warn("dropping malformed outcome event", "error", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			l.deliver(o)
		}
	}()
	return l, nil
}

func (l *Listener) deliver(o Outcome) {
	l.mu.Lock()
	ch, ok := l.waiters[o.JobID]
	delete(l.waiters, o.JobID)
	l.mu.Unlock()
	if ok {
		ch <- o
	}
}

// poll resolves open handles whose jobs finished without an outcome event
// reaching this process. One batched store read covers every waiter.
func (l *Listener) poll(ctx context.Context) {
	defer close(l.polled)

	ticker := time.NewTicker(l.q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.pollOnce()
		}
	}
}

func (l *Listener) pollOnce() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.waiters))
	for id := range l.waiters {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	var missing []string
	for _, id := range ids {
		if v, ok := l.q.outcomes.Get(id); ok {
			o := v.(Outcome)
			o.JobID = id
			l.deliver(o)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return
	}

	jobs, err := l.q.store.FinishedJobs(missing)
	if err != nil {
		l.q.logger.Warn("polling job outcomes", "waiting", len(missing), "error", err)
		return
	}
	for _, j := range jobs {
		l.deliver(outcomeFromJob(j))
	}
}

func (l *Listener) forget(id string) {
	l.mu.Lock()
	delete(l.waiters, id)
	l.mu.Unlock()
}

// Submit enqueues req and returns a handle for its outcome. The waiter is
// registered before the job becomes claimable so no outcome is missed.
func (l *Listener) Submit(ctx context.Context, req Request) (*Handle, error) {
	select {
	case <-l.done:
		return nil, ErrListenerClosed
	default:
	}

	id := uuid.New().String()
	ch := make(chan Outcome, 1)

	l.mu.Lock()
	l.waiters[id] = ch
	l.mu.Unlock()

	if err := l.q.enqueue(ctx, id, req); err != nil {
		l.forget(id)
		return nil, err
	}
	return &Handle{ID: id, l: l, ch: ch}, nil
}

// Close ends the subscription. Pending Await calls return ErrListenerClosed.
// Safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.done
		<-l.polled
	})
	return nil
}

// Handle is the future of a submitted job.
type Handle struct {
	ID string
	l  *Listener
	ch chan Outcome
}

// Await blocks until the job resolves and returns its text, or a *JobError
// for a failed job. Cancelling ctx stops the wait only; the job itself still
// runs to completion.
func (h *Handle) Await(ctx context.Context) (string, error) {
	select {
	case o := <-h.ch:
		return o.Result()
	case <-ctx.Done():
		h.l.forget(h.ID)
		return "", ctx.Err()
	case <-h.l.done:
		select {
		case o := <-h.ch:
			return o.Result()
		default:
		}
		return "", ErrListenerClosed
	}
}
