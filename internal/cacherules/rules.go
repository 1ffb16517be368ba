// Package cacherules decides, per URL and optionally per rendered page,
// whether the proxy should render and whether it may cache the result.
// Decisions are pure: the same inputs always produce the same verdict.
package cacherules

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/seoshield/proxy/pkg/pattern"
	"github.com/seoshield/proxy/pkg/types"
)

// Decision reasons reported to callers and surfaced in debug envelopes.
const (
	ReasonNoCacheMatch   = "NO_CACHE pattern match - proxy only"
	ReasonCacheMatch     = "CACHE pattern match"
	ReasonNoPatternMatch = "no CACHE pattern match - default cacheability"
	ReasonDefault        = "default cacheability"
	ReasonMetaOverride   = "meta tag override - no cache"
)

// Engine evaluates the configured no-cache and cache pattern lists plus the
// per-page meta override. Construct once at startup; safe for concurrent use.
type Engine struct {
	noCache      []*pattern.Pattern
	cache        []*pattern.Pattern
	cacheDefault bool
	metaTag      string
}

// New compiles the pattern lists. metaTag is the meta element name consulted
// by DecideByHTML; callers pass a pre-validated identifier.
func New(noCachePatterns, cachePatterns []string, cacheByDefault bool, metaTag string) (*Engine, error) {
	noCache, err := pattern.CompileAll(noCachePatterns)
	if err != nil {
		return nil, fmt.Errorf("no-cache patterns: %w", err)
	}
	cache, err := pattern.CompileAll(cachePatterns)
	if err != nil {
		return nil, fmt.Errorf("cache patterns: %w", err)
	}
	return &Engine{
		noCache:      noCache,
		cache:        cache,
		cacheDefault: cacheByDefault,
		metaTag:      metaTag,
	}, nil
}

// DecideByURL applies the pattern precedence to a request path:
// no-cache beats cache beats the configured default.
func (e *Engine) DecideByURL(path string) types.RuleDecision {
	if _, ok := pattern.MatchAny(e.noCache, path); ok {
		return types.RuleDecision{ShouldRender: false, ShouldCache: false, Reason: ReasonNoCacheMatch}
	}
	if _, ok := pattern.MatchAny(e.cache, path); ok {
		return types.RuleDecision{ShouldRender: true, ShouldCache: true, Reason: ReasonCacheMatch}
	}
	if len(e.cache) > 0 {
		return types.RuleDecision{ShouldRender: true, ShouldCache: e.cacheDefault, Reason: ReasonNoPatternMatch}
	}
	return types.RuleDecision{ShouldRender: true, ShouldCache: e.cacheDefault, Reason: ReasonDefault}
}

// DecideByHTML scans a rendered document for the cache override meta tag.
// Only an explicit content="false" vetoes caching; a missing or malformed
// tag leaves the URL decision intact.
func (e *Engine) DecideByHTML(html []byte) bool {
	if len(html) == 0 {
		return true
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return true
	}

	content, exists := doc.Find(fmt.Sprintf("meta[name=%q]", e.metaTag)).First().Attr("content")
	if !exists {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(content), "false")
}

// Decide combines the URL verdict with the optional HTML override.
// ShouldRender false always implies ShouldCache false.
func (e *Engine) Decide(path string, html []byte) types.RuleDecision {
	decision := e.DecideByURL(path)
	if !decision.ShouldRender || !decision.ShouldCache {
		return decision
	}
	if html != nil && !e.DecideByHTML(html) {
		decision.ShouldCache = false
		decision.Reason = ReasonMetaOverride
	}
	return decision
}
