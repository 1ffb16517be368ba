package events

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the async emitter's in-flight events.
const DefaultQueueSize = 1024

// AsyncEmitter decouples event producers from a possibly slow sink with a
// bounded queue. When the queue is full the oldest queued event is dropped
// to make room, so recent traffic wins under pressure. Dropped counts are
// observable for metrics.
type AsyncEmitter struct {
	sink    Emitter
	queue   chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// NewAsyncEmitter wraps sink with a queue of the given size (DefaultQueueSize
// when size <= 0) and starts the delivery worker.
func NewAsyncEmitter(sink Emitter, size int) *AsyncEmitter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &AsyncEmitter{
		sink:    sink,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit enqueues the event without ever blocking the caller.
func (a *AsyncEmitter) Emit(event Event) {
	for {
		select {
		case <-a.done:
			a.dropped.Add(1)
			return
		case a.queue <- event:
			return
		default:
		}

		// Queue full: evict the oldest and retry. Another producer may
		// race us to the slot, hence the loop.
		select {
		case <-a.queue:
			a.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of events discarded so far.
func (a *AsyncEmitter) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events, delivers what is already queued and closes
// the underlying sink.
func (a *AsyncEmitter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	<-a.drained
	return a.sink.Close()
}

func (a *AsyncEmitter) run() {
	defer close(a.drained)
	for {
		select {
		case event := <-a.queue:
			a.sink.Emit(event)
		case <-a.done:
			for {
				select {
				case event := <-a.queue:
					a.sink.Emit(event)
				default:
					return
				}
			}
		}
	}
}
