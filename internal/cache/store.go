// Package cache stores rendered HTML snapshots keyed by canonical
// fingerprint. Two interchangeable backends implement the same contract:
// an in-process map with TTL bookkeeping and a Redis-backed remote store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/seoshield/proxy/pkg/types"
)

// ErrNotReady is returned by the remote backend while its connection is
// down. Callers treat it as a cache miss.
var ErrNotReady = errors.New("cache backend not ready")

// Stats is a point-in-time view of a store's counters. Reading stats never
// blocks writers.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Keys   int   `json:"keys"`
	Bytes  int64 `json:"bytes"`
}

// Entry describes one cached snapshot for the admin surface.
type Entry struct {
	Key          string        `json:"key"`
	Size         int           `json:"size"`
	TTLRemaining time.Duration `json:"ttl_remaining"`
}

// Store is the snapshot cache contract.
//
// Get returns (nil, nil) on a miss and never returns expired snapshots.
// GetWithFreshness additionally reports staleness and keeps expired
// snapshots visible through the grace window, so a stale body can be
// served while a background render replaces it.
type Store interface {
	Get(ctx context.Context, key string) (*types.Snapshot, error)
	GetWithFreshness(ctx context.Context, key string) (snap *types.Snapshot, stale bool, err error)

	// Set stores a snapshot and reports whether it was accepted. Empty or
	// oversized bodies and out-of-range status codes are rejected without
	// touching any existing entry.
	Set(ctx context.Context, key string, body []byte, status int) (bool, error)

	Delete(ctx context.Context, keys ...string) (int, error)
	Flush(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Entries(ctx context.Context) ([]Entry, error)

	Stats() Stats
	Close() error
}

// storable validates a snapshot before it is written to any backend.
func storable(body []byte, status int) bool {
	if len(body) == 0 || len(body) > types.MaxSnapshotBytes {
		return false
	}
	return status >= 100 && status < 600
}
