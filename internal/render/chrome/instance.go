package chrome

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Instance is one headless browser process. Renders run in fresh tab
// contexts created from the browser context, so no state leaks between
// jobs; the process itself is recycled by the pool when it dies or ages
// out.
type Instance struct {
	ID     int
	logger *zap.Logger

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	ctx             context.Context
	cancel          context.CancelFunc

	rendersDone atomic.Int32
	dead        atomic.Bool
}

// NewInstance starts a browser process.
func NewInstance(id int, logger *zap.Logger) (*Instance, error) {
	inst := &Instance{ID: id, logger: logger}
	if err := inst.startBrowser(); err != nil {
		return nil, fmt.Errorf("start browser instance %d: %w", id, err)
	}
	inst.logger.Info("browser instance started", zap.Int("instance_id", id))
	return inst, nil
}

func (i *Instance) startBrowser() error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	)

	i.allocatorCtx, i.allocatorCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	i.ctx, i.cancel = chromedp.NewContext(i.allocatorCtx)

	// An empty Run starts the process without navigating anywhere.
	if err := chromedp.Run(i.ctx); err != nil {
		i.allocatorCancel()
		return fmt.Errorf("browser failed to start: %w", err)
	}
	return nil
}

// NewTab derives a fresh tab context for one render.
func (i *Instance) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(i.ctx)
}

// IsAlive probes the browser with a version query.
func (i *Instance) IsAlive() bool {
	if i.dead.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(i.ctx, 5*time.Second)
	defer cancel()

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(ctx)
		return err
	}))
	if err != nil {
		i.dead.Store(true)
		return false
	}
	return true
}

// RendersDone returns how many renders this process has completed.
func (i *Instance) RendersDone() int32 {
	return i.rendersDone.Load()
}

// Restart replaces the browser process.
func (i *Instance) Restart() error {
	i.Stop()
	if err := i.startBrowser(); err != nil {
		return err
	}
	i.dead.Store(false)
	i.rendersDone.Store(0)
	i.logger.Info("browser instance restarted", zap.Int("instance_id", i.ID))
	return nil
}

// Stop tears the browser process down.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	if i.allocatorCancel != nil {
		i.allocatorCancel()
	}
	i.dead.Store(true)
}
