package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotFreshness(t *testing.T) {
	ttl := time.Hour

	fresh := &Snapshot{RenderedAt: time.Now().Add(-10 * time.Minute), TTL: ttl}
	assert.True(t, fresh.Fresh())
	assert.False(t, fresh.Expired())

	// Past 0.8*TTL but within TTL: stale, not expired.
	stale := &Snapshot{RenderedAt: time.Now().Add(-50 * time.Minute), TTL: ttl}
	assert.False(t, stale.Fresh())
	assert.False(t, stale.Expired())

	expired := &Snapshot{RenderedAt: time.Now().Add(-61 * time.Minute), TTL: ttl}
	assert.False(t, expired.Fresh())
	assert.True(t, expired.Expired())
}

func TestMaxAction(t *testing.T) {
	assert.Equal(t, ActionBlock, MaxAction(ActionAllow, ActionBlock))
	assert.Equal(t, ActionBlock, MaxAction(ActionBlock, ActionRender))
	assert.Equal(t, ActionRender, MaxAction(ActionPriority, ActionRender))
	assert.Equal(t, ActionAllow, MaxAction(ActionAllow, ActionAllow))
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "low", PriorityLow.String())
}
