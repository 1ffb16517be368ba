// Package types contains the shared value types of the SEO Shield proxy:
// cached snapshots, bot classifications, cache-rule decisions, render
// results and queue metrics. All types here are plain values; ownership of
// mutable state stays with the component packages.
package types

import (
	"errors"
	"time"
)

// MaxSnapshotBytes is the upper bound for a cached snapshot body.
// Bodies above this size are rendered but never stored.
const MaxSnapshotBytes = 10 << 20 // 10 MiB

// FreshnessFraction of the TTL during which a snapshot is considered fresh.
// Between FreshnessFraction*TTL and TTL the snapshot is stale and eligible
// for stale-while-revalidate serving.
const FreshnessFraction = 0.8

// Snapshot is a rendered HTML page stored in the cache.
type Snapshot struct {
	Body       []byte
	StatusCode int
	RenderedAt time.Time
	TTL        time.Duration
}

// Age returns the time elapsed since the snapshot was rendered.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.RenderedAt)
}

// Fresh reports whether the snapshot is within the freshness window.
func (s *Snapshot) Fresh() bool {
	return s.Age() < time.Duration(float64(s.TTL)*FreshnessFraction)
}

// Expired reports whether the snapshot is past its full TTL.
// Expired snapshots may still be retained by the adapter for the SWR
// grace window.
func (s *Snapshot) Expired() bool {
	return s.Age() >= s.TTL
}

// BotType identifies the category of a classified client.
type BotType string

const (
	BotTypeGooglebot  BotType = "googlebot"
	BotTypeBingbot    BotType = "bingbot"
	BotTypeSocial     BotType = "social"
	BotTypeMonitoring BotType = "monitoring"
	BotTypeAutomation BotType = "automation"
	BotTypeUnknown    BotType = "unknown"
	BotTypeHuman      BotType = "human"
)

// RuleAction is the action a classification rule requests.
// Actions are ordered: Allow < Priority < Render < Block; when several
// rules match, the highest-ordered action wins.
type RuleAction string

const (
	ActionAllow    RuleAction = "allow"
	ActionPriority RuleAction = "priority"
	ActionRender   RuleAction = "render"
	ActionBlock    RuleAction = "block"
)

// actionRank orders actions for max-wins resolution.
var actionRank = map[RuleAction]int{
	ActionAllow:    0,
	ActionPriority: 1,
	ActionRender:   2,
	ActionBlock:    3,
}

// MaxAction returns the higher-precedence of two actions.
func MaxAction(a, b RuleAction) RuleAction {
	if actionRank[b] > actionRank[a] {
		return b
	}
	return a
}

// RuleKind is the request signal a classification rule inspects.
type RuleKind string

const (
	RuleKindUserAgent RuleKind = "userAgent"
	RuleKindIP        RuleKind = "ip"
	RuleKindHeader    RuleKind = "header"
	RuleKindPath      RuleKind = "path"
)

// ClassifierRule is one entry of the bot rule registry. Rules are matched
// in descending Priority order; the first match fixes BotType, while the
// effective action is the maximum across all matching rules.
type ClassifierRule struct {
	ID       string     `yaml:"id" json:"id"`
	Enabled  bool       `yaml:"enabled" json:"enabled"`
	Kind     RuleKind   `yaml:"kind" json:"kind"`
	Header   string     `yaml:"header,omitempty" json:"header,omitempty"` // for Kind == header
	Pattern  string     `yaml:"pattern" json:"pattern"`
	Action   RuleAction `yaml:"action" json:"action"`
	Priority int        `yaml:"priority" json:"priority"` // 0-100, highest first
	BotType  BotType    `yaml:"bot_type" json:"bot_type"`
}

// Classification is the outcome of bot detection for one request.
type Classification struct {
	IsBot        bool       `json:"is_bot"`
	BotType      BotType    `json:"bot_type"`
	Confidence   float64    `json:"confidence"` // 0.0 - 1.0
	RulesMatched []string   `json:"rules_matched,omitempty"`
	Action       RuleAction `json:"action"`
}

// RuleDecision is the cache-rule engine verdict for a URL.
// Invariant: ShouldRender == false implies ShouldCache == false.
type RuleDecision struct {
	ShouldRender bool   `json:"should_render"`
	ShouldCache  bool   `json:"should_cache"`
	Reason       string `json:"reason"`
}

// Priority orders render jobs in the scheduler queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// RenderResult is the outcome of one browser navigation.
type RenderResult struct {
	Body         []byte
	StatusCode   int
	BlockedCount int
	AllowedCount int
	Duration     time.Duration
	Soft404      []string // reasons, empty unless soft-404 detected
}

// QueueMetrics is a point-in-time view of the render queue counters.
type QueueMetrics struct {
	Queued         int64 `json:"queued"`
	Processing     int64 `json:"processing"`
	Completed      int64 `json:"completed"`
	Errors         int64 `json:"errors"`
	MaxConcurrency int   `json:"max_concurrency"`
}

// CacheStatus is reported to clients via the X-Cache-Status header.
type CacheStatus string

const (
	CacheStatusHit   CacheStatus = "HIT"
	CacheStatusMiss  CacheStatus = "MISS"
	CacheStatusStale CacheStatus = "STALE"
)

// Render error taxonomy. The router downgrades every one of these to a
// transparent proxy response; they never surface as 5xx.
var (
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrProtocolError     = errors.New("browser protocol error")
	ErrContextCrash      = errors.New("browser context crashed")
	ErrDeadlineExceeded  = errors.New("deadline_exceeded")
	ErrSchedulerClosed   = errors.New("render scheduler closed")
)
