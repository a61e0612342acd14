package hive

import (
	"context"
	"sync"
)

// Future represents the eventual result of a request submitted to a
// Controller.
type Future struct {
	result    string
	err       error
	completed bool
	done      chan struct{}
	mu        sync.RWMutex
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete resolves the future exactly once. Later calls are no-ops.
func (f *Future) complete(result string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.result = result
	f.err = err
	f.completed = true
	close(f.done)
}

// Await waits for the future to complete and returns the result.
func (f *Future) Await(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.done:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return f.result, f.err
	}
}

// Done returns true if the future has completed.
func (f *Future) Done() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.completed
}

// Result returns the result if completed, or ErrNotCompleted if not.
func (f *Future) Result() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.completed {
		return "", ErrNotCompleted
	}
	return f.result, f.err
}
