// Package events emits structured traffic and render events to pluggable
// sinks. Emission is fire-and-forget with at-most-once semantics: a slow
// or failing sink drops events, it never slows a request down.
package events

import (
	"time"

	"github.com/seoshield/proxy/pkg/types"
)

// Event kinds.
const (
	KindRequest    = "request"
	KindRender     = "render"
	KindCacheWrite = "cache_write"
	KindError      = "error"
)

// Event is one traffic or render observation. Only the fields relevant to
// the kind are populated.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	URL       string    `json:"url,omitempty"`

	// Request fields
	Method      string            `json:"method,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	BotType     types.BotType     `json:"bot_type,omitempty"`
	Action      types.RuleAction  `json:"action,omitempty"`
	CacheStatus types.CacheStatus `json:"cache_status,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	ServeTime   float64           `json:"serve_time,omitempty"` // seconds
	Source      string            `json:"source,omitempty"`     // cache, render, proxy

	// Render fields
	RenderTime   float64  `json:"render_time,omitempty"` // seconds
	BlockedCount int      `json:"blocked_count,omitempty"`
	AllowedCount int      `json:"allowed_count,omitempty"`
	Soft404      []string `json:"soft404,omitempty"`

	// Cache write fields
	CacheKey string `json:"cache_key,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Stored   bool   `json:"stored,omitempty"`

	// Error fields
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewRequestEvent records one served client request.
func NewRequestEvent(requestID, url, method, userAgent, clientIP string) Event {
	return Event{
		Kind:      KindRequest,
		Timestamp: time.Now(),
		RequestID: requestID,
		URL:       url,
		Method:    method,
		UserAgent: userAgent,
		ClientIP:  clientIP,
	}
}

// NewRenderEvent records one completed browser navigation.
func NewRenderEvent(requestID, url string, result *types.RenderResult) Event {
	ev := Event{
		Kind:      KindRender,
		Timestamp: time.Now(),
		RequestID: requestID,
		URL:       url,
	}
	if result != nil {
		ev.StatusCode = result.StatusCode
		ev.RenderTime = result.Duration.Seconds()
		ev.BlockedCount = result.BlockedCount
		ev.AllowedCount = result.AllowedCount
		ev.Soft404 = result.Soft404
		ev.PageSize = len(result.Body)
	}
	return ev
}

// NewCacheWriteEvent records a snapshot store attempt.
func NewCacheWriteEvent(requestID, key string, size, status int, stored bool) Event {
	return Event{
		Kind:       KindCacheWrite,
		Timestamp:  time.Now(),
		RequestID:  requestID,
		CacheKey:   key,
		PageSize:   size,
		StatusCode: status,
		Stored:     stored,
	}
}

// NewErrorEvent records a recovered failure.
func NewErrorEvent(requestID, url, errorType string, err error) Event {
	ev := Event{
		Kind:      KindError,
		Timestamp: time.Now(),
		RequestID: requestID,
		URL:       url,
		ErrorType: errorType,
	}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	return ev
}
