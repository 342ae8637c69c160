package nats

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrShuttingDown is returned for requests that arrive after Stop was called.
var ErrShuttingDown = errors.New("agent is shutting down")

// jobTracker counts the jobs a responder is running and cancels them on shutdown.
type jobTracker struct {
	mu       sync.Mutex
	stopping bool
	running  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newJobTracker() *jobTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &jobTracker{ctx: ctx, cancel: cancel}
}

// begin registers a job and returns the context it must run under.
// It returns false once stop has been called.
func (t *jobTracker) begin() (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping {
		return nil, false
	}
	t.running.Add(1)
	return t.ctx, true
}

func (t *jobTracker) done() {
	t.running.Done()
}

// stop refuses new jobs and waits for running ones until ctx ends. Jobs still
// running then are cancelled and get grace to return.
func (t *jobTracker) stop(ctx context.Context, grace time.Duration) error {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()
	defer t.cancel()

	finished := make(chan struct{})
	go func() {
		t.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	t.cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-timer.C:
		return errors.New("running jobs did not stop after cancellation")
	}
}
