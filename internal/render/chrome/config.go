// Package chrome renders pages in a pool of headless browser instances.
// Each render gets a fresh tab, request interception with resource
// blocking, a three-tier navigation wait and status extraction from the
// rendered DOM.
package chrome

import (
	"fmt"
	"time"
)

// Defaults for the render pool.
const (
	DefaultPoolSize       = 5
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
	DefaultUserAgent      = "SEOShieldBot/1.0 (+https://seoshield.dev/renderer)"

	// A browser instance is recycled after this many renders to contain
	// slow memory growth in long-lived processes.
	DefaultMaxRequestsPerInstance = 500

	// Settle time after a DOMContentLoaded-only navigation (tier three).
	domSettleTime = 2 * time.Second
)

// Config configures the browser pool and every render it performs.
type Config struct {
	PoolSize       int
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int

	// RenderTimeout is the wall-clock budget for one navigation including
	// all fallback tiers.
	RenderTimeout time.Duration

	MaxRequestsPerInstance int

	// Extra blocking configuration merged into the built-in lists.
	ExtraBlockedDomains []string
	ExtraBlockedPaths   []string
}

// Validate fills defaults and rejects impossible values.
func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive, got %v", c.RenderTimeout)
	}
	if c.MaxRequestsPerInstance <= 0 {
		c.MaxRequestsPerInstance = DefaultMaxRequestsPerInstance
	}
	return nil
}
