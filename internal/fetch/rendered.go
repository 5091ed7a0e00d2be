package fetch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sells-group/webtools/internal/model"
)

// RenderedConfig configures the headless-browser fetch strategy.
type RenderedConfig struct {
	// Timeout bounds a single navigate-and-extract cycle.
	Timeout time.Duration
	// AcquireWait bounds how long a request waits for a free rendering
	// context before failing.
	AcquireWait time.Duration
	// SettleDelay is the grace period after load for late script-driven
	// content (lazy loading triggered by the scroll).
	SettleDelay time.Duration
}

// Rendered loads pages in a pooled browser context, executes client-side
// script, and extracts the fully rendered document. Higher latency and
// failure surface than Static; used when requested explicitly or when the
// static result is insufficient.
type Rendered struct {
	pool *Pool
	cfg  RenderedConfig
}

// NewRendered creates the rendered fetch strategy over a context pool.
func NewRendered(pool *Pool, cfg RenderedConfig) *Rendered {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 20 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	return &Rendered{pool: pool, cfg: cfg}
}

func (r *Rendered) Name() string { return "rendered" }

// Fetch navigates a pooled tab to the target, waits for the document plus a
// settle window, scrolls to the bottom to trigger lazy loading, and returns
// the rendered DOM. The tab is returned unhealthy after any engine failure
// so the pool replaces it.
func (r *Rendered) Fetch(ctx context.Context, freq model.FetchRequest) (*model.FetchResult, error) {
	tab, err := r.pool.Acquire(ctx, r.cfg.AcquireWait)
	if err != nil {
		return nil, err
	}

	healthy := true
	defer func() { r.pool.Release(tab, healthy) }()

	timeout := freq.Timeout
	if timeout <= 0 || timeout > r.cfg.Timeout {
		timeout = r.cfg.Timeout
	}

	// Navigation must run on the tab's own context lineage; the caller's
	// deadline is propagated by cancelling the run context.
	tctx, cancel := context.WithTimeout(tab.Ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// Capture the main document's response status.
	var mainStatus int
	chromedp.ListenTarget(tctx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && mainStatus == 0 {
				mainStatus = int(resp.Response.Status)
			}
		}
	})

	var (
		renderedHTML string
		finalURL     string
	)
	err = chromedp.Run(tctx,
		network.Enable(),
		chromedp.Navigate(freq.URL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &renderedHTML),
	)
	if err != nil {
		healthy = false
		return nil, classifyRenderErr(ctx, err, freq.URL)
	}

	if mainStatus >= 400 {
		return nil, model.HTTPStatusError(mainStatus, freq.URL)
	}
	if mainStatus == 0 {
		// Response event missed (cached navigation); the extract succeeded,
		// so treat it as OK.
		mainStatus = 200
		zap.L().Debug("render: no document response captured", zap.String("url", freq.URL))
	}
	if finalURL == "" {
		finalURL = freq.URL
	}

	return &model.FetchResult{
		Body:        []byte(renderedHTML),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  mainStatus,
		FinalURL:    finalURL,
	}, nil
}

// classifyRenderErr maps chromedp failures: deadline conditions become
// timeouts, crashed or detached sessions become connection errors.
func classifyRenderErr(ctx context.Context, err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return model.WrapError(model.KindTimeout, err, "render: navigation timed out for %s", url)
	}
	if ctx.Err() != nil {
		return model.WrapError(model.KindTimeout, ctx.Err(), "render: deadline expired for %s", url)
	}

	msg := err.Error()
	if strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED") ||
		strings.Contains(msg, "net::ERR_CONNECTION") ||
		strings.Contains(msg, "net::ERR_ABORTED") {
		return model.WrapError(model.KindConnection, err, "render: navigation failed for %s", url)
	}

	// Anything else (crashed target, detached session, protocol error) is a
	// connection-class engine failure.
	return model.WrapError(model.KindConnection, err, "render: engine failure for %s", url)
}
