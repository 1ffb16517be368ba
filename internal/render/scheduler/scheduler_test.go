package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/internal/render/chrome"
	"github.com/seoshield/proxy/pkg/types"
)

// fakeRenderer counts navigations and can be slowed down or failed.
type fakeRenderer struct {
	navigations   atomic.Int64
	maxConcurrent atomic.Int64
	current       atomic.Int64
	delay         time.Duration
	err           error
	body          []byte
}

func (f *fakeRenderer) Render(ctx context.Context, req *chrome.Request) (*types.RenderResult, error) {
	f.navigations.Add(1)
	cur := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		max := f.maxConcurrent.Load()
		if cur <= max || f.maxConcurrent.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	body := f.body
	if body == nil {
		body = []byte("<html>rendered</html>")
	}
	return &types.RenderResult{Body: body, StatusCode: 200, Duration: f.delay}, nil
}

func newScheduler(t *testing.T, r Renderer, workers int, timeout time.Duration) *Scheduler {
	t.Helper()
	s := New(r, workers, timeout, zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func TestRender_SingleFlight(t *testing.T) {
	renderer := &fakeRenderer{delay: 50 * time.Millisecond}
	s := newScheduler(t, renderer, 5, time.Second)

	const clients = 100
	var wg sync.WaitGroup
	results := make([][]byte, clients)
	errs := make([]error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.Render(context.Background(), Request{
				Fingerprint: "https://app.example.com/product/42",
				URL:         "https://app.example.com/product/42",
				RequestID:   "req",
			})
			errs[i] = err
			if result != nil {
				results[i] = result.Body
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), renderer.navigations.Load(), "exactly one navigation")
	for i := 0; i < clients; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i], "all clients see identical bytes")
	}
}

func TestRender_DistinctFingerprints(t *testing.T) {
	renderer := &fakeRenderer{delay: 10 * time.Millisecond}
	s := newScheduler(t, renderer, 3, time.Second)

	var wg sync.WaitGroup
	for _, fp := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			_, err := s.Render(context.Background(), Request{Fingerprint: fp, URL: fp})
			assert.NoError(t, err)
		}(fp)
	}
	wg.Wait()

	assert.Equal(t, int64(4), renderer.navigations.Load())
}

func TestRender_ConcurrencyCap(t *testing.T) {
	renderer := &fakeRenderer{delay: 30 * time.Millisecond}
	s := newScheduler(t, renderer, 2, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		fp := string(rune('a' + i))
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			s.Render(context.Background(), Request{Fingerprint: fp, URL: fp})
		}(fp)
	}
	wg.Wait()

	assert.LessOrEqual(t, renderer.maxConcurrent.Load(), int64(2))
	metrics := s.Metrics()
	assert.Equal(t, int64(10), metrics.Completed)
	assert.Equal(t, int64(0), metrics.Queued)
	assert.Equal(t, int64(0), metrics.Processing)
	assert.Equal(t, 2, metrics.MaxConcurrency)
}

func TestRender_SubscriberDisconnectDoesNotCancelJob(t *testing.T) {
	renderer := &fakeRenderer{delay: 80 * time.Millisecond}
	s := newScheduler(t, renderer, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Render(ctx, Request{Fingerprint: "fp", URL: "fp"})
		first <- err
	}()

	// Let the job start, then disconnect the first subscriber.
	time.Sleep(20 * time.Millisecond)
	second := make(chan *types.RenderResult, 1)
	go func() {
		result, err := s.Render(context.Background(), Request{Fingerprint: "fp", URL: "fp"})
		require.NoError(t, err)
		second <- result
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-first, context.Canceled)

	select {
	case result := <-second:
		assert.Equal(t, 200, result.StatusCode, "surviving subscriber gets the render")
	case <-time.After(time.Second):
		t.Fatal("second subscriber never completed")
	}

	assert.Equal(t, int64(1), renderer.navigations.Load())
}

func TestRender_DeadlineFansOut(t *testing.T) {
	renderer := &fakeRenderer{delay: 500 * time.Millisecond}
	s := newScheduler(t, renderer, 1, 50*time.Millisecond)

	const subscribers = 5
	var wg sync.WaitGroup
	errs := make([]error, subscribers)
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Render(context.Background(), Request{Fingerprint: "slow", URL: "slow"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < subscribers; i++ {
		assert.ErrorIs(t, errs[i], types.ErrDeadlineExceeded, "subscriber %d", i)
	}
	assert.Equal(t, int64(1), s.Metrics().Errors)
}

func TestRender_ErrorBroadcast(t *testing.T) {
	renderer := &fakeRenderer{err: types.ErrContextCrash, delay: 20 * time.Millisecond}
	s := newScheduler(t, renderer, 1, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Render(context.Background(), Request{Fingerprint: "crash", URL: "crash"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, types.ErrContextCrash)
	}
}

func TestRender_AfterClose(t *testing.T) {
	renderer := &fakeRenderer{}
	s := New(renderer, 1, time.Second, zap.NewNop())
	s.Close()

	_, err := s.Render(context.Background(), Request{Fingerprint: "x", URL: "x"})
	assert.ErrorIs(t, err, types.ErrSchedulerClosed)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := newJobQueue()

	push := func(fp string, p types.Priority) {
		q.push(&call{req: Request{Fingerprint: fp, Priority: p}, done: make(chan struct{})})
	}
	push("low-1", types.PriorityLow)
	push("normal-1", types.PriorityNormal)
	push("high-1", types.PriorityHigh)
	push("normal-2", types.PriorityNormal)
	push("high-2", types.PriorityHigh)

	var order []string
	for i := 0; i < 5; i++ {
		c, ok := q.pop()
		require.True(t, ok)
		order = append(order, c.req.Fingerprint)
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, order)
}
