package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sells-group/webtools/internal/model"
)

// PoolConfig configures the rendering-context pool.
type PoolConfig struct {
	// Size is the number of browser tabs kept open. Bounds memory and CPU
	// cost under load.
	Size int
	// RemoteURL is a CDP websocket endpoint. Empty launches a local Chrome.
	RemoteURL string
	// Headless controls a locally launched Chrome.
	Headless bool
	// StartTimeout bounds browser startup.
	StartTimeout time.Duration
}

// Tab is one pooled rendering context. Navigation must run on derived
// contexts of Ctx; chromedp binds the CDP session to it.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Pool is a fixed-size set of browser tabs with blocking acquire and
// health-check-on-return. Tabs returned unhealthy (after an engine crash or
// a wedged navigation) are discarded and replaced.
type Pool struct {
	slots  chan *Tab
	newTab func() (*Tab, error)

	mu     sync.Mutex
	lost   int // slots whose replacement tab could not be created
	closed bool

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// NewPool launches (or connects to) a browser and opens cfg.Size tabs.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}

	p := &Pool{slots: make(chan *Tab, cfg.Size)}

	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, p.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		zap.L().Info("render: connecting to remote browser", zap.String("url", cfg.RemoteURL))
	} else {
		// Copy the default options to avoid mutating the package-level slice.
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(1920, 1080),
		)
		allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		zap.L().Info("render: launching local browser", zap.Bool("headless", cfg.Headless))
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	p.browserCancel = browserCancel

	p.newTab = func() (*Tab, error) {
		tabCtx, tabCancel := chromedp.NewContext(browserCtx)
		// Starting the tab binds the CDP session to tabCtx; the first Run
		// must not use a timeout-derived context.
		done := make(chan error, 1)
		go func() { done <- chromedp.Run(tabCtx) }()
		select {
		case err := <-done:
			if err != nil {
				tabCancel()
				return nil, model.WrapError(model.KindConnection, err, "render: start tab")
			}
		case <-time.After(cfg.StartTimeout):
			tabCancel()
			return nil, model.NewError(model.KindTimeout, "render: tab start timed out after %s", cfg.StartTimeout)
		}
		return &Tab{Ctx: tabCtx, cancel: tabCancel}, nil
	}

	for i := 0; i < cfg.Size; i++ {
		tab, err := p.newTab()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.slots <- tab
	}

	zap.L().Info("render: context pool ready", zap.Int("size", cfg.Size))
	return p, nil
}

// newPoolWithFactory builds a pool over an arbitrary tab factory. Test seam.
func newPoolWithFactory(size int, factory func() (*Tab, error)) (*Pool, error) {
	p := &Pool{slots: make(chan *Tab, size), newTab: factory}
	for i := 0; i < size; i++ {
		tab, err := factory()
		if err != nil {
			return nil, err
		}
		p.slots <- tab
	}
	return p, nil
}

// Acquire takes a tab from the pool, suspending the caller until one is
// free, maxWait elapses, or ctx is done.
func (p *Pool) Acquire(ctx context.Context, maxWait time.Duration) (*Tab, error) {
	// Replace slots lost to failed tab recreation before waiting on an
	// empty pool.
	p.mu.Lock()
	if p.lost > 0 && !p.closed {
		if tab, err := p.newTab(); err == nil {
			p.lost--
			p.mu.Unlock()
			return tab, nil
		}
	}
	p.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case tab, ok := <-p.slots:
		if !ok {
			return nil, model.NewError(model.KindConfiguration, "render: pool closed")
		}
		return tab, nil
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, model.WrapError(model.KindTimeout, ctx.Err(), "render: deadline expired acquiring context")
	case <-timer.C:
		return nil, model.NewError(model.KindTimeout, "render: no rendering context available within %s", maxWait)
	}
}

// Release returns a tab to the pool. Unhealthy tabs are closed and replaced
// with a fresh one; when replacement fails the slot is recovered on a later
// Acquire.
func (p *Pool) Release(tab *Tab, healthy bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		tab.cancel()
		return
	}

	if healthy {
		p.slots <- tab
		return
	}

	tab.cancel()
	fresh, err := p.newTab()
	if err != nil {
		zap.L().Error("render: failed to replace unhealthy context", zap.Error(err))
		p.mu.Lock()
		p.lost++
		p.mu.Unlock()
		return
	}
	p.slots <- fresh
}

// Close shuts down all tabs and the browser.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.slots)
	for tab := range p.slots {
		tab.cancel()
	}
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
}
