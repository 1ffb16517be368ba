// Package scheduler multiplexes render jobs onto the browser pool with a
// global parallelism cap, per-fingerprint single-flight and priority FIFO
// queues. Subscribers share one in-flight render per fingerprint; a
// subscriber disconnecting never cancels the render for the others or for
// the cache.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seoshield/proxy/internal/render/chrome"
	"github.com/seoshield/proxy/pkg/types"
)

// Renderer executes one navigation. The chrome pool implements it; tests
// substitute fakes.
type Renderer interface {
	Render(ctx context.Context, req *chrome.Request) (*types.RenderResult, error)
}

// Request identifies one render job.
type Request struct {
	Fingerprint string
	URL         string
	RequestID   string
	Priority    types.Priority
}

// call is one in-flight render shared by all subscribers with the same
// fingerprint. Terminal state is published exactly once via done.
type call struct {
	req    Request
	done   chan struct{}
	result *types.RenderResult
	err    error
}

// Scheduler owns the single-flight table and the worker pool.
type Scheduler struct {
	renderer Renderer
	timeout  time.Duration
	workers  int
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*call
	queue    *jobQueue

	queued     atomic.Int64
	processing atomic.Int64
	completed  atomic.Int64
	errors     atomic.Int64

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts workers one per concurrency slot.
func New(renderer Renderer, maxConcurrent int, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	s := &Scheduler{
		renderer: renderer,
		timeout:  timeout,
		workers:  maxConcurrent,
		logger:   logger,
		inflight: make(map[string]*call),
		queue:    newJobQueue(),
	}

	s.wg.Add(maxConcurrent)
	for i := 0; i < maxConcurrent; i++ {
		go s.worker(i)
	}
	return s
}

// Render returns the snapshot for the request's fingerprint, either by
// joining an in-flight render or by enqueueing a new job. The caller's
// context cancels only the caller's wait, never the job.
func (s *Scheduler) Render(ctx context.Context, req Request) (*types.RenderResult, error) {
	if s.closed.Load() {
		return nil, types.ErrSchedulerClosed
	}

	s.mu.Lock()
	c, exists := s.inflight[req.Fingerprint]
	if !exists {
		c = &call{req: req, done: make(chan struct{})}
		s.inflight[req.Fingerprint] = c
		s.mu.Unlock()

		s.queued.Add(1)
		if !s.queue.push(c) {
			// Lost a race with Close.
			s.decrementQueued()
			s.finish(c, nil, types.ErrSchedulerClosed)
		}
	} else {
		s.mu.Unlock()
		s.logger.Debug("joining in-flight render",
			zap.String("request_id", req.RequestID),
			zap.String("fingerprint", req.Fingerprint))
	}

	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		// The job keeps running for the remaining subscribers.
		return nil, ctx.Err()
	}
}

// Metrics returns the queue counters.
func (s *Scheduler) Metrics() types.QueueMetrics {
	return types.QueueMetrics{
		Queued:         s.queued.Load(),
		Processing:     s.processing.Load(),
		Completed:      s.completed.Load(),
		Errors:         s.errors.Load(),
		MaxConcurrency: s.workers,
	}
}

// Close rejects new jobs, fails everything still queued and waits for
// running renders to finish.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		pending := s.queue.close()
		for _, c := range pending {
			s.decrementQueued()
			s.finish(c, nil, types.ErrSchedulerClosed)
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		c, ok := s.queue.pop()
		if !ok {
			return
		}

		s.decrementQueued()
		s.processing.Add(1)

		// The job deadline is independent of any subscriber context.
		jobCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		result, err := s.renderer.Render(jobCtx, &chrome.Request{
			URL:       c.req.URL,
			RequestID: c.req.RequestID,
		})
		deadlineHit := jobCtx.Err() != nil
		cancel()

		if err != nil && deadlineHit {
			err = types.ErrDeadlineExceeded
		}

		s.processing.Add(-1)
		if err != nil {
			s.errors.Add(1)
			s.logger.Warn("render job failed",
				zap.Int("worker", id),
				zap.String("request_id", c.req.RequestID),
				zap.String("url", c.req.URL),
				zap.Error(err))
		} else {
			s.completed.Add(1)
		}

		s.finish(c, result, err)
	}
}

// finish removes the single-flight entry and broadcasts the terminal
// state to all subscribers.
func (s *Scheduler) finish(c *call, result *types.RenderResult, err error) {
	s.mu.Lock()
	if current, ok := s.inflight[c.req.Fingerprint]; ok && current == c {
		delete(s.inflight, c.req.Fingerprint)
	}
	s.mu.Unlock()

	c.result = result
	c.err = err
	close(c.done)
}

// decrementQueued saturates at zero; Close and workers can race on the
// same entry.
func (s *Scheduler) decrementQueued() {
	for {
		cur := s.queued.Load()
		if cur <= 0 {
			return
		}
		if s.queued.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// jobQueue is three FIFO lists, popped highest priority first.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lists  [3][]*call // indexed by types.Priority
	closed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends to the job's priority class. Returns false after close.
func (q *jobQueue) push(c *call) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	p := c.req.Priority
	if p < types.PriorityLow || p > types.PriorityHigh {
		p = types.PriorityNormal
	}
	q.lists[p] = append(q.lists[p], c)
	q.cond.Signal()
	return true
}

// pop blocks for the next job, highest priority class first and FIFO
// within a class. Returns false when the queue is closed and drained.
func (q *jobQueue) pop() (*call, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for p := types.PriorityHigh; p >= types.PriorityLow; p-- {
			if len(q.lists[p]) > 0 {
				c := q.lists[p][0]
				q.lists[p] = q.lists[p][1:]
				return c, true
			}
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// close rejects further pushes and returns whatever was still queued.
func (q *jobQueue) close() []*call {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true

	var pending []*call
	for p := types.PriorityHigh; p >= types.PriorityLow; p-- {
		pending = append(pending, q.lists[p]...)
		q.lists[p] = nil
	}
	q.cond.Broadcast()
	return pending
}
