package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/internal/config"
	"github.com/seoshield/proxy/pkg/types"
)

func newLocal(t *testing.T, opts LocalOptions) *Local {
	t.Helper()
	l := NewLocal(opts, zap.NewNop())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLocal_RoundTrip(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute})
	ctx := context.Background()

	stored, err := l.Set(ctx, "https://app.example.com/product/42", []byte("<html>42</html>"), 200)
	require.NoError(t, err)
	assert.True(t, stored)

	snap, err := l.Get(ctx, "https://app.example.com/product/42")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []byte("<html>42</html>"), snap.Body)
	assert.Equal(t, 200, snap.StatusCode)
}

func TestLocal_MissAndOverwrite(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute})
	ctx := context.Background()

	snap, err := l.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = l.Set(ctx, "k", []byte("v1"), 200)
	require.NoError(t, err)
	_, err = l.Set(ctx, "k", []byte("v2"), 404)
	require.NoError(t, err)

	snap, err = l.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []byte("v2"), snap.Body)
	assert.Equal(t, 404, snap.StatusCode)
}

func TestLocal_RejectsInvalidBodies(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute})
	ctx := context.Background()

	// Existing entry must survive every rejected write.
	_, err := l.Set(ctx, "k", []byte("keep"), 200)
	require.NoError(t, err)

	stored, err := l.Set(ctx, "k", nil, 200)
	require.NoError(t, err)
	assert.False(t, stored, "empty body")

	stored, err = l.Set(ctx, "k", bytes.Repeat([]byte("a"), types.MaxSnapshotBytes+1), 200)
	require.NoError(t, err)
	assert.False(t, stored, "oversized body")

	stored, err = l.Set(ctx, "k", []byte("x"), 999)
	require.NoError(t, err)
	assert.False(t, stored, "status out of range")

	snap, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []byte("keep"), snap.Body)
}

func TestLocal_DeleteAndFlush(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 200)
		require.NoError(t, err)
	}

	deleted, err := l.Delete(ctx, "k0", "k1", "missing")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	require.NoError(t, l.Flush(ctx))
	keys, err := l.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, int64(0), l.Stats().Bytes)
}

func TestLocal_EvictsOldestInsertionFirst(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute, MaxKeys: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 200)
		require.NoError(t, err)
	}

	// Overwriting k0 keeps its original insertion position.
	_, err := l.Set(ctx, "k0", []byte("v0b"), 200)
	require.NoError(t, err)

	_, err = l.Set(ctx, "k3", []byte("v"), 200)
	require.NoError(t, err)

	snap, err := l.Get(ctx, "k0")
	require.NoError(t, err)
	assert.Nil(t, snap, "oldest insertion evicted")

	for _, key := range []string{"k1", "k2", "k3"} {
		snap, err := l.Get(ctx, key)
		require.NoError(t, err)
		assert.NotNil(t, snap, "key %s survives", key)
	}
}

func TestLocal_StaleAndGraceWindow(t *testing.T) {
	// Fresh below 160ms, stale until 200ms, visible to GetWithFreshness
	// until 400ms.
	l := newLocal(t, LocalOptions{TTL: 200 * time.Millisecond, Grace: 200 * time.Millisecond})
	ctx := context.Background()

	_, err := l.Set(ctx, "k", []byte("v"), 200)
	require.NoError(t, err)

	snap, stale, err := l.GetWithFreshness(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.False(t, stale)

	time.Sleep(170 * time.Millisecond)
	snap, stale, err = l.GetWithFreshness(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, stale, "past the freshness fraction")

	direct, err := l.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, direct, "stale but within TTL still served by Get")

	time.Sleep(100 * time.Millisecond) // past TTL, inside grace
	direct, err = l.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, direct, "expired entries invisible to Get")

	snap, stale, err = l.GetWithFreshness(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, snap, "grace window keeps the body servable")
	assert.True(t, stale)

	time.Sleep(200 * time.Millisecond) // past TTL + grace
	snap, _, err = l.GetWithFreshness(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLocal_Stats(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute})
	ctx := context.Background()

	_, err := l.Set(ctx, "k", []byte("12345"), 200)
	require.NoError(t, err)

	_, _ = l.Get(ctx, "k")
	_, _ = l.Get(ctx, "k")
	_, _ = l.Get(ctx, "missing")

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Keys)
	assert.Equal(t, int64(5), stats.Bytes)
}

func TestLocal_JanitorSweepsExpired(t *testing.T) {
	l := newLocal(t, LocalOptions{
		TTL:             20 * time.Millisecond,
		Grace:           20 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := l.Set(ctx, "k", []byte("v"), 200)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return l.Stats().Keys == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLocal_Entries(t *testing.T) {
	l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute})
	ctx := context.Background()

	_, err := l.Set(ctx, "k", []byte("12345"), 200)
	require.NoError(t, err)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Key)
	assert.Equal(t, 5, entries[0].Size)
	assert.Greater(t, entries[0].TTLRemaining, 50*time.Second)
}

func TestLocal_CompressedRoundTrip(t *testing.T) {
	for _, algorithm := range []string{config.CompressionSnappy, config.CompressionLZ4} {
		t.Run(algorithm, func(t *testing.T) {
			l := newLocal(t, LocalOptions{TTL: time.Minute, Grace: time.Minute, Compression: algorithm})
			ctx := context.Background()

			body := bytes.Repeat([]byte("<li>row</li>"), 500)
			stored, err := l.Set(ctx, "https://app.example.com/list", body, 200)
			require.NoError(t, err)
			assert.True(t, stored)

			snap, err := l.Get(ctx, "https://app.example.com/list")
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Equal(t, body, snap.Body)

			snap, stale, err := l.GetWithFreshness(ctx, "https://app.example.com/list")
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.False(t, stale)
			assert.Equal(t, body, snap.Body)

			assert.Less(t, l.Stats().Bytes, int64(len(body)), "accounting reflects stored size")
		})
	}
}
