package hive

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RequestFunc performs one compute request. Cancellation of in-flight work is
// its own responsibility, via the context threaded through Execute.
type RequestFunc func(ctx context.Context) (string, error)

// Controller bounds outstanding compute requests. It enforces two invariants:
// the global active count never exceeds the configured maximum, and at most
// one request per agent id is active at any time. Requests that cannot start
// immediately join a single FIFO queue shared across all agents; when a slot
// frees, the queue is scanned from the front for the first request whose
// agent has nothing active (global FIFO with per-agent skip-ahead).
type Controller struct {
	mu            sync.Mutex
	maxConcurrent int
	active        map[string]bool
	activeCount   int
	queue         []*queuedRequest

	total     int
	completed int
	rejected  int
}

type queuedRequest struct {
	agentID    string
	fn         RequestFunc
	ctx        context.Context
	future     *Future
	enqueuedAt time.Time
}

// ControllerStats is a snapshot of controller bookkeeping.
type ControllerStats struct {
	ActiveCount       int
	QueueLength       int
	TotalRequests     int
	CompletedRequests int
	RejectedRequests  int
}

// NewController creates a Controller with the given global cap.
// Non-positive caps fall back to DefaultMaxConcurrent.
func NewController(maxConcurrent int) *Controller {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Controller{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

// Execute submits a request for an agent and returns its future. The request
// starts immediately if both invariants allow, otherwise it is appended to
// the queue.
func (c *Controller) Execute(ctx context.Context, agentID string, fn RequestFunc) *Future {
	req := &queuedRequest{
		agentID:    agentID,
		fn:         fn,
		ctx:        ctx,
		future:     newFuture(),
		enqueuedAt: time.Now(),
	}

	c.mu.Lock()
	c.total++
	if c.activeCount < c.maxConcurrent && !c.active[agentID] {
		c.active[agentID] = true
		c.activeCount++
		c.mu.Unlock()
		go c.run(req)
		return req.future
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()
	return req.future
}

// run executes a started request. The slot release and queue advance are
// deferred so they happen whether fn succeeds, fails, or panics; the
// controller's bookkeeping is never left partially updated by a failing call.
func (c *Controller) run(req *queuedRequest) {
	defer c.release(req.agentID)

	var result string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("request panicked: %v", r)
			}
		}()
		result, err = req.fn(req.ctx)
	}()

	req.future.complete(result, err)
}

// release frees the agent's slot and starts every queued request that has
// become eligible.
func (c *Controller) release(agentID string) {
	c.mu.Lock()
	delete(c.active, agentID)
	c.activeCount--
	c.completed++
	started := c.advanceLocked()
	c.mu.Unlock()

	for _, next := range started {
		go c.run(next)
	}
}

// advanceLocked scans the queue from the front, removing and claiming slots
// for requests whose agents are not active. Requests for a still-busy agent
// are skipped, not reordered. Caller holds c.mu.
func (c *Controller) advanceLocked() []*queuedRequest {
	var started []*queuedRequest
	i := 0
	for i < len(c.queue) && c.activeCount < c.maxConcurrent {
		req := c.queue[i]
		if c.active[req.agentID] {
			i++
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.active[req.agentID] = true
		c.activeCount++
		started = append(started, req)
	}
	return started
}

// Abort removes the oldest still-queued request for an agent and rejects its
// future with ErrRequestAborted. It returns false, touching nothing, when the
// agent has no queued request. Already-started requests are unaffected.
func (c *Controller) Abort(agentID string) bool {
	c.mu.Lock()
	for i, req := range c.queue {
		if req.agentID != agentID {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.rejected++
		c.mu.Unlock()
		req.future.complete("", ErrRequestAborted)
		return true
	}
	c.mu.Unlock()
	return false
}

// HasActiveRequest reports whether the agent has an in-flight request.
func (c *Controller) HasActiveRequest(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[agentID]
}

// Stats returns a snapshot of the controller's counters. CompletedRequests
// counts every started request that finished, success or failure;
// RejectedRequests counts aborts.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStats{
		ActiveCount:       c.activeCount,
		QueueLength:       len(c.queue),
		TotalRequests:     c.total,
		CompletedRequests: c.completed,
		RejectedRequests:  c.rejected,
	}
}
