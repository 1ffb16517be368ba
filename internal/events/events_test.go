package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureEmitter records everything it receives.
type captureEmitter struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *captureEmitter) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureEmitter) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestAsyncEmitter_DeliversInOrder(t *testing.T) {
	capture := &captureEmitter{}
	async := NewAsyncEmitter(capture, 16)

	for i := 0; i < 5; i++ {
		async.Emit(NewRequestEvent("req", "/", "GET", "ua", "ip"))
	}
	require.NoError(t, async.Close())

	assert.Len(t, capture.snapshot(), 5)
	assert.True(t, capture.closed)
	assert.Zero(t, async.Dropped())
}

// blockingEmitter holds delivery until released so the queue can fill.
type blockingEmitter struct {
	captureEmitter
	release chan struct{}
	once    sync.Once
}

func (b *blockingEmitter) Emit(event Event) {
	<-b.release
	b.captureEmitter.Emit(event)
}

func TestAsyncEmitter_DropsOldestUnderPressure(t *testing.T) {
	blocking := &blockingEmitter{release: make(chan struct{})}
	async := NewAsyncEmitter(blocking, 4)

	// One event is pulled by the worker and blocks; four fill the queue;
	// the rest must evict the oldest queued entries.
	for i := 0; i < 10; i++ {
		async.Emit(Event{Kind: KindRequest, RequestID: string(rune('a' + i))})
	}

	assert.Eventually(t, func() bool {
		return async.Dropped() >= 5
	}, time.Second, 5*time.Millisecond)

	close(blocking.release)
	require.NoError(t, async.Close())

	// Everything that survived was delivered exactly once.
	delivered := blocking.snapshot()
	assert.Equal(t, 10-int(async.Dropped()), len(delivered))
}

func TestAsyncEmitter_EmitAfterClose(t *testing.T) {
	capture := &captureEmitter{}
	async := NewAsyncEmitter(capture, 4)
	require.NoError(t, async.Close())

	async.Emit(Event{Kind: KindError})
	assert.Equal(t, int64(1), async.Dropped())
	assert.Len(t, capture.snapshot(), 0)
}

func TestFileEmitter_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "traffic.log")
	emitter, err := NewFileEmitter(path, zap.NewNop())
	require.NoError(t, err)

	emitter.Emit(NewRequestEvent("req-1", "https://app.example.com/", "GET", "Googlebot", "203.0.113.9"))
	emitter.Emit(NewErrorEvent("req-2", "/p", "navigation", assert.AnError))
	require.NoError(t, emitter.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{KindRequest, KindError}, kinds)
}

func TestMultiEmitter_FansOut(t *testing.T) {
	first := &captureEmitter{}
	second := &captureEmitter{}
	multi := NewMultiEmitter(first, second)

	multi.Emit(Event{Kind: KindCacheWrite})
	require.NoError(t, multi.Close())

	assert.Len(t, first.snapshot(), 1)
	assert.Len(t, second.snapshot(), 1)
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}
