package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

const (
	// DefaultMaxKeys caps the local store; overflow evicts the oldest
	// insertion first.
	DefaultMaxKeys = 1000

	defaultJanitorInterval = time.Minute
)

// LocalOptions configures the in-process backend.
type LocalOptions struct {
	TTL             time.Duration
	Grace           time.Duration // how long expired entries stay visible to GetWithFreshness
	MaxKeys         int
	JanitorInterval time.Duration
	Compression     string // snapshot body compression, see config.Compression*
}

// localEntry holds the body as stored, which may be compressed; encoding
// records how to get the original bytes back.
type localEntry struct {
	snap     types.Snapshot
	encoding string
	seq      uint64
}

// orderRef records one insertion for oldest-first eviction. The sequence
// number lets the eviction loop skip refs whose key was since deleted and
// re-inserted.
type orderRef struct {
	key string
	seq uint64
}

// Local is the single-process map backend.
type Local struct {
	mu      sync.RWMutex
	entries map[string]*localEntry
	order   []orderRef
	seq     uint64
	bytes   int64

	opts   LocalOptions
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64

	janitorStop chan struct{}
	closeOnce   sync.Once
}

// NewLocal creates the map backend and starts its expiry janitor.
func NewLocal(opts LocalOptions, logger *zap.Logger) *Local {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = defaultJanitorInterval
	}

	l := &Local{
		entries:     make(map[string]*localEntry),
		opts:        opts,
		logger:      logger,
		janitorStop: make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *Local) Get(_ context.Context, key string) (*types.Snapshot, error) {
	l.mu.RLock()
	entry := l.entries[key]
	l.mu.RUnlock()

	if entry == nil || entry.snap.Expired() {
		l.misses.Add(1)
		return nil, nil
	}
	snap, err := decodeEntry(entry)
	if err != nil {
		l.misses.Add(1)
		return nil, err
	}
	l.hits.Add(1)
	return snap, nil
}

func (l *Local) GetWithFreshness(_ context.Context, key string) (*types.Snapshot, bool, error) {
	l.mu.RLock()
	entry := l.entries[key]
	l.mu.RUnlock()

	if entry == nil || entry.snap.Age() >= l.opts.TTL+l.opts.Grace {
		l.misses.Add(1)
		return nil, false, nil
	}
	snap, err := decodeEntry(entry)
	if err != nil {
		l.misses.Add(1)
		return nil, false, err
	}
	l.hits.Add(1)
	return snap, !snap.Fresh(), nil
}

// decodeEntry copies the snapshot with its body restored to original bytes.
func decodeEntry(entry *localEntry) (*types.Snapshot, error) {
	body, err := Decompress(entry.snap.Body, entry.encoding)
	if err != nil {
		return nil, err
	}
	snap := entry.snap
	snap.Body = body
	return &snap, nil
}

func (l *Local) Set(_ context.Context, key string, body []byte, status int) (bool, error) {
	if !storable(body, status) {
		return false, nil
	}

	encoded, encoding, err := Compress(body, l.opts.Compression)
	if err != nil {
		return false, err
	}
	owned := make([]byte, len(encoded))
	copy(owned, encoded)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := &localEntry{
		snap: types.Snapshot{
			Body:       owned,
			StatusCode: status,
			RenderedAt: time.Now(),
			TTL:        l.opts.TTL,
		},
		encoding: encoding,
		seq:      l.seq,
	}

	if prev, ok := l.entries[key]; ok {
		// Overwrite keeps the original insertion position.
		entry.seq = prev.seq
		l.bytes += int64(len(owned) - len(prev.snap.Body))
		l.entries[key] = entry
		return true, nil
	}

	for len(l.entries) >= l.opts.MaxKeys {
		l.evictOldestLocked()
	}

	l.entries[key] = entry
	l.order = append(l.order, orderRef{key: key, seq: entry.seq})
	l.bytes += int64(len(owned))
	return true, nil
}

// evictOldestLocked drops the oldest live insertion, skipping refs whose
// entry was deleted or replaced under a newer sequence.
func (l *Local) evictOldestLocked() {
	for len(l.order) > 0 {
		ref := l.order[0]
		l.order = l.order[1:]
		entry, ok := l.entries[ref.key]
		if !ok || entry.seq != ref.seq {
			continue
		}
		l.bytes -= int64(len(entry.snap.Body))
		delete(l.entries, ref.key)
		return
	}
	// Order exhausted but map non-empty: rebuild is not worth it, drop any.
	for key, entry := range l.entries {
		l.bytes -= int64(len(entry.snap.Body))
		delete(l.entries, key)
		return
	}
}

func (l *Local) Delete(_ context.Context, keys ...string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if entry, ok := l.entries[key]; ok {
			l.bytes -= int64(len(entry.snap.Body))
			delete(l.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (l *Local) Flush(_ context.Context) error {
	l.mu.Lock()
	l.entries = make(map[string]*localEntry)
	l.order = nil
	l.bytes = 0
	l.mu.Unlock()
	return nil
}

func (l *Local) Keys(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.entries))
	for key := range l.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (l *Local) Entries(_ context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, 0, len(l.entries))
	for key, entry := range l.entries {
		remaining := l.opts.TTL - entry.snap.Age()
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, Entry{
			Key:          key,
			Size:         len(entry.snap.Body),
			TTLRemaining: remaining,
		})
	}
	return entries, nil
}

func (l *Local) Stats() Stats {
	l.mu.RLock()
	keys := len(l.entries)
	bytes := l.bytes
	l.mu.RUnlock()

	return Stats{
		Hits:   l.hits.Load(),
		Misses: l.misses.Load(),
		Keys:   keys,
		Bytes:  bytes,
	}
}

func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.janitorStop) })
	return nil
}

// janitor removes entries past their grace window so the map does not grow
// with dead snapshots between requests.
func (l *Local) janitor() {
	ticker := time.NewTicker(l.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.janitorStop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Local) sweep() {
	horizon := l.opts.TTL + l.opts.Grace

	l.mu.Lock()
	removed := 0
	for key, entry := range l.entries {
		if entry.snap.Age() >= horizon {
			l.bytes -= int64(len(entry.snap.Body))
			delete(l.entries, key)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 && l.logger != nil {
		l.logger.Debug("swept expired snapshots", zap.Int("removed", removed))
	}
}
