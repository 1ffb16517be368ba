// Package router is the inbound HTTP surface. Every request is classified
// (asset, reserved or page; human or bot), checked against the cache rules
// and dispatched to the transparent proxy or the render pipeline. Render
// failures always downgrade to proxying; the router itself only ever emits
// 502 when the origin is unreachable.
package router

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/internal/botdetect"
	"github.com/seoshield/proxy/internal/cache"
	"github.com/seoshield/proxy/internal/cacherules"
	"github.com/seoshield/proxy/internal/events"
	"github.com/seoshield/proxy/internal/fingerprint"
	"github.com/seoshield/proxy/internal/metrics"
	"github.com/seoshield/proxy/internal/render/chrome"
	"github.com/seoshield/proxy/internal/render/scheduler"
	"github.com/seoshield/proxy/internal/requestid"
	"github.com/seoshield/proxy/pkg/types"
)

const (
	headerRenderedBy  = "X-Rendered-By"
	headerCacheStatus = "X-Cache-Status"
	headerCacheRule   = "X-Cache-Rule"
	headerRequestID   = "X-Request-ID"

	renderedByValue = "seo-shield-proxy"
	htmlContentType = "text/html; charset=utf-8"
)

// cacheWriteTimeout bounds background snapshot writes so a wedged backend
// cannot pile up goroutines.
const cacheWriteTimeout = 10 * time.Second

// RenderScheduler is the render pipeline as the router sees it.
type RenderScheduler interface {
	Render(ctx context.Context, req scheduler.Request) (*types.RenderResult, error)
	Metrics() types.QueueMetrics
}

// Forwarder is the transparent proxy as the router sees it.
type Forwarder interface {
	TargetURI(pathWithQuery string) string
	Forward(ctx *fasthttp.RequestCtx, targetURI string) (status int, fromOrigin bool)
}

// Options wires the router's collaborators.
type Options struct {
	Origin     *url.URL
	Rules      *cacherules.Engine
	Classifier *botdetect.Classifier
	Store      cache.Store
	Scheduler  RenderScheduler
	Proxy      Forwarder
	Emitter    events.Emitter
	Collector  *metrics.Collector
	Logger     *zap.Logger
}

// Router dispatches inbound requests.
type Router struct {
	origin     *url.URL
	rules      *cacherules.Engine
	classifier *botdetect.Classifier
	store      cache.Store
	scheduler  RenderScheduler
	proxy      Forwarder
	emitter    events.Emitter
	collector  *metrics.Collector
	logger     *zap.Logger
	started    time.Time
}

func New(opts Options) *Router {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Router{
		origin:     opts.Origin,
		rules:      opts.Rules,
		classifier: opts.Classifier,
		store:      opts.Store,
		scheduler:  opts.Scheduler,
		proxy:      opts.Proxy,
		emitter:    emitter,
		collector:  opts.Collector,
		logger:     opts.Logger,
		started:    time.Now(),
	}
}

// Handler is the fasthttp entry point.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	requestID := requestid.Generate(string(ctx.Request.Header.Peek(headerRequestID)))
	path := string(ctx.Path())

	r.collector.IncActiveRequests()
	defer r.collector.DecActiveRequests()

	switch {
	case path == healthPath:
		r.handleHealth(ctx)
		r.observe(ctx, "health", requestID, start, "", types.Classification{})
	case isReservedPath(path):
		ctx.Error("Not Found", fasthttp.StatusNotFound)
		r.observe(ctx, "reserved", requestID, start, "", types.Classification{})
	case isAssetPath(path):
		r.proxy.Forward(ctx, r.proxy.TargetURI(string(ctx.RequestURI())))
		r.observe(ctx, "asset", requestID, start, "proxy", types.Classification{})
	default:
		r.handlePage(ctx, requestID, start)
	}
}

func (r *Router) handlePage(ctx *fasthttp.RequestCtx, requestID string, start time.Time) {
	requestURI := string(ctx.RequestURI())

	parsed, err := url.ParseRequestURI(requestURI)
	if err != nil {
		ctx.Error("Bad Request", fasthttp.StatusBadRequest)
		r.observe(ctx, "page", requestID, start, "", types.Classification{})
		return
	}
	control := fingerprint.ExtractControl(parsed.Query())

	classification := r.classifier.Classify(ctx, botdetect.Signals{
		UserAgent: string(ctx.UserAgent()),
		Path:      parsed.Path,
		ClientIP:  ctx.RemoteIP().String(),
		Header: func(name string) string {
			return string(ctx.Request.Header.Peek(name))
		},
	})

	if classification.Action == types.ActionBlock {
		ctx.Error("Forbidden", fasthttp.StatusForbidden)
		r.observe(ctx, "blocked", requestID, start, "", classification)
		return
	}

	botWantsRender := classification.IsBot &&
		(classification.Action == types.ActionRender || classification.Action == types.ActionPriority)

	if control.Force || botWantsRender {
		r.handleRender(ctx, requestID, requestURI, start, classification, control)
		return
	}

	r.handleHuman(ctx, requestID, requestURI, parsed.Path, start, classification)
}

// handleHuman serves humans (and allow-listed bots) from cache when a
// snapshot exists, stale included, and proxies otherwise. Humans never wait
// on a render; a stale hit triggers a background refill.
func (r *Router) handleHuman(ctx *fasthttp.RequestCtx, requestID, requestURI, path string, start time.Time, classification types.Classification) {
	decision := r.rules.DecideByURL(path)
	if decision.ShouldRender {
		if fp, err := fingerprint.Compute(r.origin, requestURI); err == nil {
			snap, stale, gerr := r.store.GetWithFreshness(ctx, fp)
			if gerr == nil && snap != nil {
				status := types.CacheStatusHit
				if stale {
					status = types.CacheStatusStale
					r.collector.RecordStale()
					r.refill(fp, requestID, decision.ShouldCache)
				} else {
					r.collector.RecordCacheHit()
				}
				r.serveSnapshot(ctx, snap.Body, snap.StatusCode, status, decision.Reason)
				r.observe(ctx, "page", requestID, start, "cache", classification)
				return
			}
		}
	}

	r.proxy.Forward(ctx, r.proxy.TargetURI(requestURI))
	r.observe(ctx, "page", requestID, start, "proxy", classification)
}

// handleRender is the bot and forced-preview path: serve fresh from cache,
// serve stale with a background refill, or render synchronously on a miss.
// Any failure falls back to the transparent proxy.
func (r *Router) handleRender(ctx *fasthttp.RequestCtx, requestID, requestURI string, start time.Time, classification types.Classification, control fingerprint.Control) {
	path := string(ctx.Path())
	decision := r.rules.DecideByURL(path)
	if !decision.ShouldRender {
		r.proxy.Forward(ctx, r.proxy.TargetURI(requestURI))
		// After Forward: the origin's headers replace anything set before.
		ctx.Response.Header.Set(headerCacheRule, decision.Reason)
		r.observe(ctx, "page", requestID, start, "proxy", classification)
		return
	}

	fp, err := fingerprint.Compute(r.origin, requestURI)
	if err != nil {
		r.proxy.Forward(ctx, r.proxy.TargetURI(requestURI))
		r.observe(ctx, "page", requestID, start, "proxy", classification)
		return
	}

	if snap, stale, gerr := r.store.GetWithFreshness(ctx, fp); gerr == nil && snap != nil {
		status := types.CacheStatusHit
		if stale {
			status = types.CacheStatusStale
			r.collector.RecordStale()
			r.refill(fp, requestID, decision.ShouldCache)
		} else {
			r.collector.RecordCacheHit()
		}
		if control.Debug {
			r.serveDebug(ctx, fp, snap.Body, snap.StatusCode, status, decision.Reason, classification, start, nil)
		} else {
			r.serveSnapshot(ctx, snap.Body, snap.StatusCode, status, decision.Reason)
		}
		r.observe(ctx, "render", requestID, start, "cache", classification)
		return
	}
	r.collector.RecordCacheMiss()

	result, err := r.scheduler.Render(ctx, scheduler.Request{
		Fingerprint: fp,
		URL:         fp,
		RequestID:   requestID,
		Priority:    renderPriority(classification, control),
	})
	if err != nil {
		errorType := chrome.ErrorType(err)
		r.collector.RecordRenderError(errorType)
		r.emitter.Emit(events.NewErrorEvent(requestID, fp, errorType, err))
		r.logger.Warn("render failed, proxying",
			zap.String("request_id", requestID),
			zap.String("fingerprint", fp),
			zap.Error(err))

		if control.Debug {
			r.serveDebug(ctx, fp, nil, 0, types.CacheStatusMiss, decision.Reason, classification, start, err)
			r.observe(ctx, "render", requestID, start, "render", classification)
			return
		}
		r.proxy.Forward(ctx, r.proxy.TargetURI(requestURI))
		r.observe(ctx, "render", requestID, start, "proxy", classification)
		return
	}

	r.collector.RecordRender("success", result.Duration)
	r.emitter.Emit(events.NewRenderEvent(requestID, fp, result))
	r.storeSnapshot(fp, requestID, result, decision.ShouldCache)

	if control.Debug {
		r.serveDebug(ctx, fp, result.Body, result.StatusCode, types.CacheStatusMiss, decision.Reason, classification, start, nil)
	} else {
		r.serveSnapshot(ctx, result.Body, result.StatusCode, types.CacheStatusMiss, decision.Reason)
	}
	r.observe(ctx, "render", requestID, start, "render", classification)
}

// renderPriority maps the request to a queue class: priority-ruled bots and
// forced previews jump the queue, everything else renders at normal.
func renderPriority(classification types.Classification, control fingerprint.Control) types.Priority {
	if classification.Action == types.ActionPriority || (control.Force && !classification.IsBot) {
		return types.PriorityHigh
	}
	return types.PriorityNormal
}

// refill renders a stale fingerprint in the background at low priority. The
// foreground response has already been written; single-flight collapses
// concurrent refills of the same fingerprint.
func (r *Router) refill(fp, requestID string, shouldCache bool) {
	go func() {
		result, err := r.scheduler.Render(context.Background(), scheduler.Request{
			Fingerprint: fp,
			URL:         fp,
			RequestID:   requestID,
			Priority:    types.PriorityLow,
		})
		if err != nil {
			r.collector.RecordRenderError(chrome.ErrorType(err))
			r.emitter.Emit(events.NewErrorEvent(requestID, fp, chrome.ErrorType(err), err))
			return
		}
		r.collector.RecordRender("success", result.Duration)
		r.emitter.Emit(events.NewRenderEvent(requestID, fp, result))
		r.storeSnapshot(fp, requestID, result, shouldCache)
	}()
}

// storeSnapshot writes a render result to the cache off the request path,
// honoring the URL decision and the in-page meta override.
func (r *Router) storeSnapshot(fp, requestID string, result *types.RenderResult, shouldCache bool) {
	if !shouldCache || !r.rules.DecideByHTML(result.Body) {
		return
	}
	body := result.Body
	status := result.StatusCode
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()

		stored, err := r.store.Set(writeCtx, fp, body, status)
		if err != nil {
			r.logger.Warn("cache write failed",
				zap.String("request_id", requestID),
				zap.String("fingerprint", fp),
				zap.Error(err))
			return
		}
		r.emitter.Emit(events.NewCacheWriteEvent(requestID, fp, len(body), status, stored))
	}()
}

// serveSnapshot writes a rendered body with the snapshot headers. A matching
// If-None-Match short-circuits to 304 to keep crawler bandwidth down.
func (r *Router) serveSnapshot(ctx *fasthttp.RequestCtx, body []byte, status int, cacheStatus types.CacheStatus, reason string) {
	etag := fingerprint.ETag(body)
	ctx.Response.Header.Set(headerRenderedBy, renderedByValue)
	ctx.Response.Header.Set(headerCacheStatus, string(cacheStatus))
	ctx.Response.Header.Set(headerCacheRule, reason)
	ctx.Response.Header.Set(fasthttp.HeaderETag, etag)

	if string(ctx.Request.Header.Peek(fasthttp.HeaderIfNoneMatch)) == etag {
		ctx.SetStatusCode(fasthttp.StatusNotModified)
		return
	}

	ctx.SetContentType(htmlContentType)
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

// debugEnvelope is the JSON diagnostics payload returned for render=debug.
type debugEnvelope struct {
	URL            string               `json:"url"`
	DurationMs     int64                `json:"durationMs"`
	BodySize       int                  `json:"bodySize"`
	Status         int                  `json:"status"`
	CacheStatus    types.CacheStatus    `json:"cacheStatus"`
	CacheRule      string               `json:"cacheRule"`
	Classification types.Classification `json:"classification"`
	Error          string               `json:"error,omitempty"`
}

func (r *Router) serveDebug(ctx *fasthttp.RequestCtx, fp string, body []byte, status int, cacheStatus types.CacheStatus, reason string, classification types.Classification, start time.Time, renderErr error) {
	envelope := debugEnvelope{
		URL:            fp,
		DurationMs:     time.Since(start).Milliseconds(),
		BodySize:       len(body),
		Status:         status,
		CacheStatus:    cacheStatus,
		CacheRule:      reason,
		Classification: classification,
	}
	if renderErr != nil {
		envelope.Error = renderErr.Error()
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.Response.Header.Set(headerRenderedBy, renderedByValue)
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(payload)
}

// observe records the request in metrics and the event stream.
func (r *Router) observe(ctx *fasthttp.RequestCtx, route, requestID string, start time.Time, source string, classification types.Classification) {
	ctx.Response.Header.Set(headerRequestID, requestID)
	elapsed := time.Since(start)
	status := ctx.Response.StatusCode()
	r.collector.RecordRequest(route, statusClass(status), elapsed)

	event := events.NewRequestEvent(requestID, string(ctx.RequestURI()), string(ctx.Method()),
		string(ctx.UserAgent()), ctx.RemoteIP().String())
	event.BotType = classification.BotType
	event.Action = classification.Action
	event.CacheStatus = types.CacheStatus(ctx.Response.Header.Peek(headerCacheStatus))
	event.StatusCode = status
	event.ServeTime = elapsed.Seconds()
	event.Source = source
	r.emitter.Emit(event)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
