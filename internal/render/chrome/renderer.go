package chrome

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

// Request describes one render job.
type Request struct {
	URL       string
	RequestID string
}

// Navigation tiers. Tier one waits for full network idle, tier two for
// almost-idle, tier three settles for DOMContentLoaded plus a fixed settle
// time. The budget split leaves tier three a real share of the deadline.
const (
	tierIdleFraction       = 0.5
	tierAlmostIdleFraction = 0.25
)

// renderOn runs one job on an acquired instance.
func (p *Pool) renderOn(ctx context.Context, inst *Instance, req *Request) (*types.RenderResult, error) {
	start := time.Now()

	tabCtx, tabCancel := inst.NewTab()
	defer tabCancel()

	// Propagate the job deadline into the tab so a stuck navigation dies
	// with the job.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var (
		blockedCount atomic.Int32
		allowedCount atomic.Int32

		statusMu   sync.Mutex
		statusCode int
	)

	var html string
	tracker := newLifecycleTracker()

	err := chromedp.Run(tabCtx, chromedp.Tasks{
		// Listeners must be installed before any CDP command runs.
		chromedp.ActionFunc(func(ctx context.Context) error {
			chromedp.ListenTarget(ctx, func(event interface{}) {
				switch ev := event.(type) {
				case *fetch.EventRequestPaused:
					go p.handlePausedRequest(ctx, ev, req, &blockedCount, &allowedCount)

				case *network.EventResponseReceived:
					if ev.Type == network.ResourceTypeDocument && ev.Response.Status != 0 {
						statusMu.Lock()
						// Redirect chains emit several document responses;
						// the last one belongs to the page we extract.
						statusCode = int(ev.Response.Status)
						statusMu.Unlock()
					}

				case *page.EventLifecycleEvent:
					tracker.observe(string(ev.Name))
				}
			})
			return nil
		}),

		network.Enable(),
		fetch.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),

		emulation.SetUserAgentOverride(p.config.UserAgent),
		emulation.SetDeviceMetricsOverride(
			int64(p.config.ViewportWidth),
			int64(p.config.ViewportHeight),
			1.0,
			false,
		),

		p.navigateAndWait(req, tracker),

		extractHTML(&html),
	})

	duration := time.Since(start)

	// The job deadline beats any secondary cancellation error.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, types.ErrNavigationTimeout
	}
	if ctx.Err() != nil {
		return nil, types.ErrContextCrash
	}
	if err != nil {
		p.logger.Warn("render failed",
			zap.String("request_id", req.RequestID),
			zap.Int("instance_id", inst.ID),
			zap.String("url", req.URL),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, categorizeError(err)
	}

	inst.rendersDone.Add(1)

	statusMu.Lock()
	finalStatus := statusCode
	statusMu.Unlock()
	if finalStatus == 0 {
		finalStatus = 200
	}

	result := &types.RenderResult{
		Body:         []byte(html),
		StatusCode:   finalStatus,
		BlockedCount: int(blockedCount.Load()),
		AllowedCount: int(allowedCount.Load()),
		Duration:     duration,
	}

	// A declared status wins; without one, the DOM is checked for
	// soft-404 indicators.
	if declared, ok := extractMetaStatus(result.Body); ok {
		result.StatusCode = declared
	} else if result.StatusCode == 200 {
		if reasons := DetectSoft404(result.Body); len(reasons) > 0 {
			result.StatusCode = 404
			result.Soft404 = reasons
			p.logger.Info("soft 404 detected",
				zap.String("request_id", req.RequestID),
				zap.String("url", req.URL),
				zap.Strings("reasons", reasons))
		}
	}

	p.logger.Debug("render completed",
		zap.String("request_id", req.RequestID),
		zap.Int("instance_id", inst.ID),
		zap.String("url", req.URL),
		zap.Int("status_code", result.StatusCode),
		zap.Int("html_size", len(result.Body)),
		zap.Int("blocked", result.BlockedCount),
		zap.Int("allowed", result.AllowedCount),
		zap.Duration("duration", duration))

	return result, nil
}

// handlePausedRequest decides one intercepted sub-request. It runs on its
// own goroutine so a slow CDP round-trip never stalls the event loop.
func (p *Pool) handlePausedRequest(ctx context.Context, ev *fetch.EventRequestPaused, req *Request, blocked, allowed *atomic.Int32) {
	cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	c := chromedp.FromContext(cmdCtx)
	executor := cdp.WithExecutor(cmdCtx, c.Target)

	if p.blocklist.IsBlockedResourceType(string(ev.ResourceType)) || p.blocklist.IsBlockedURL(ev.Request.URL) {
		blocked.Add(1)
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(executor); err != nil {
			p.logger.Debug("failed to abort blocked request",
				zap.String("request_id", req.RequestID),
				zap.String("url", ev.Request.URL),
				zap.Error(err))
		}
		return
	}

	allowed.Add(1)
	if err := fetch.ContinueRequest(ev.RequestID).Do(executor); err != nil {
		// A request stuck in paused state hangs the page; abort instead.
		fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(executor)
	}
}

// navigateAndWait navigates and applies the three-tier wait strategy:
// network idle, then network almost idle, then DOMContentLoaded with a
// settle delay. Whichever tier completes first ends the wait.
func (p *Pool) navigateAndWait(req *Request, tracker *lifecycleTracker) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if _, _, _, _, err := page.Navigate(req.URL).Do(ctx); err != nil {
			return errors.Join(errNavigateFailed, err)
		}

		budget := p.config.RenderTimeout
		tier1 := time.Duration(float64(budget) * tierIdleFraction)
		tier2 := time.Duration(float64(budget) * tierAlmostIdleFraction)

		if err := tracker.wait(ctx, "networkIdle", tier1); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := tracker.wait(ctx, "networkAlmostIdle", tier2); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := tracker.wait(ctx, "DOMContentLoaded", budget-tier1-tier2); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Join(errNavigateFailed, err)
		}

		select {
		case <-time.After(domSettleTime):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// extractHTML reads the full serialized DOM, with short retries around
// transient protocol errors during late page mutations.
func extractHTML(out *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			root, err := dom.GetDocument().Do(ctx)
			if err != nil {
				lastErr = err
				time.Sleep(300 * time.Millisecond)
				continue
			}
			html, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
			if err != nil {
				lastErr = err
				time.Sleep(300 * time.Millisecond)
				continue
			}
			*out = html
			return nil
		}
		return errors.Join(errExtractHTML, lastErr)
	}
}

// lifecycleTracker records page lifecycle events and lets the navigation
// strategy wait for specific ones without missing early arrivals.
type lifecycleTracker struct {
	mu      sync.Mutex
	seen    map[string]bool
	waiters map[string][]chan struct{}
}

func newLifecycleTracker() *lifecycleTracker {
	return &lifecycleTracker{
		seen:    make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
	}
}

func (t *lifecycleTracker) observe(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[name] {
		return
	}
	t.seen[name] = true
	for _, ch := range t.waiters[name] {
		close(ch)
	}
	delete(t.waiters, name)
}

var errLifecycleTimeout = errors.New("lifecycle wait timed out")

func (t *lifecycleTracker) wait(ctx context.Context, name string, timeout time.Duration) error {
	t.mu.Lock()
	if t.seen[name] {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters[name] = append(t.waiters[name], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s after %v", errLifecycleTimeout, name, timeout)
	}
}

// extractMetaStatus reads an explicit status declaration from the rendered
// markup: <meta name="prerender-status-code" content="NNN">.
func extractMetaStatus(body []byte) (int, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, false
	}
	content, ok := doc.Find(`meta[name="prerender-status-code"]`).First().Attr("content")
	if !ok {
		return 0, false
	}
	status, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil || status < 100 || status >= 600 {
		return 0, false
	}
	return status, true
}
