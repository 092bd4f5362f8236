// Package mainqueue provides the serial queue every registration state change runs on.
// Platform callbacks may arrive on any goroutine; they are redispatched here.
package mainqueue

import (
	"context"
	"log/slog"
	"sync"
)

// Queue executes submitted functions one at a time, in submission order, on the
// goroutine that called Run. Submission never blocks.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Queue {
	return &Queue{
		wake:   make(chan struct{}, 1),
		logger: logger.With("component", "MainQueue"),
	}
}

// Async schedules fn. It is safe to call from inside a running function.
func (q *Queue) Async(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Barrier waits until every function submitted before the call has run.
// It must not be called from the queue itself.
func (q *Queue) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	q.Async(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes work until ctx is cancelled. Work still pending at that point is dropped.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					return
				}
				q.run(fn)
			}
		}
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queued function panicked", "panic", r)
		}
	}()
	fn()
}
