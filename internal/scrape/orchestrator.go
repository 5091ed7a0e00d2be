// Package scrape coordinates URL content extraction: rate limiting, the
// static fetch, the fallback to rendered fetch, and normalization.
package scrape

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/webtools/internal/fetch"
	"github.com/sells-group/webtools/internal/model"
	"github.com/sells-group/webtools/internal/normalize"
	"github.com/sells-group/webtools/internal/ratelimit"
	"github.com/sells-group/webtools/internal/resilience"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxRateLimitWait bounds the blocking acquire on the target host's
	// bucket.
	MaxRateLimitWait time.Duration
}

// Orchestrator runs the per-request state machine: rate-limit wait, static
// attempt (retries exhausted first), sufficiency check, rendered fallback,
// then normalization. One fetch per incoming request; no link following.
type Orchestrator struct {
	static   fetch.Strategy
	rendered fetch.Strategy // nil when rendering is disabled
	limits   *ratelimit.Registry
	retry    resilience.Policy
	policy   fetch.SufficiencyPolicy
	breaker  *resilience.Breaker // guards the rendering engine; may be nil
	cfg      Config
}

// NewOrchestrator creates an Orchestrator. rendered may be nil to disable
// the fallback path entirely; breaker may be nil to run the rendering
// engine unguarded.
func NewOrchestrator(
	static, rendered fetch.Strategy,
	limits *ratelimit.Registry,
	retry resilience.Policy,
	policy fetch.SufficiencyPolicy,
	breaker *resilience.Breaker,
	cfg Config,
) *Orchestrator {
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = 10 * time.Second
	}
	return &Orchestrator{
		static:   static,
		rendered: rendered,
		limits:   limits,
		retry:    retry,
		policy:   policy,
		breaker:  breaker,
		cfg:      cfg,
	}
}

// Scrape fetches one URL and returns its normalized document. With renderJS
// set, the static attempt is skipped and the page goes straight to the
// rendering engine.
func (o *Orchestrator) Scrape(ctx context.Context, rawURL string, renderJS bool) (*model.NormalizedDocument, error) {
	target := fetch.CleanURL(rawURL)
	if target == "" {
		return nil, model.NewError(model.KindInvalidQuery, "scrape: empty url")
	}

	if err := o.limits.AcquireBlocking(ctx, hostKey(target), 1, o.cfg.MaxRateLimitWait); err != nil {
		return nil, err
	}

	req := model.FetchRequest{URL: target, RenderJS: renderJS}

	var (
		staticRes    *model.FetchResult
		staticErr    error
		insufficient string
	)

	if !renderJS {
		staticRes, staticErr = o.attempt(ctx, o.static, req)
		if staticErr == nil {
			ok, reason := o.policy.Evaluate(staticRes)
			if ok {
				return o.finish(staticRes, o.static.Name())
			}
			insufficient = reason
			zap.L().Debug("scrape: static result insufficient",
				zap.String("url", target),
				zap.String("reason", reason),
			)
		} else {
			zap.L().Debug("scrape: static fetch failed",
				zap.String("url", target),
				zap.Error(staticErr),
			)
		}
	}

	if o.rendered == nil {
		if renderJS {
			return nil, model.NewError(model.KindConfiguration, "scrape: rendering is disabled")
		}
		if staticErr == nil {
			// No fallback available; an insufficient static result is still
			// a partial success, so return what we have.
			zap.L().Warn("scrape: rendering disabled, returning insufficient static result",
				zap.String("url", target),
				zap.String("reason", insufficient),
			)
			return o.finish(staticRes, o.static.Name())
		}
		return nil, model.WrapError(model.KindFetchFailed, staticErr,
			"scrape: static fetch failed for %s and rendering is disabled", target)
	}

	renderedRes, renderedErr := o.attemptRendered(ctx, req)
	if renderedErr == nil {
		return o.finish(renderedRes, o.rendered.Name())
	}

	return nil, o.terminal(target, staticErr, insufficient, renderedErr)
}

// attempt runs one strategy with retries fully exhausted before the caller
// evaluates fallback.
func (o *Orchestrator) attempt(ctx context.Context, s fetch.Strategy, req model.FetchRequest) (*model.FetchResult, error) {
	retry := o.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.Logged("scrape", s.Name()+" fetch")
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.FetchResult, error) {
		return s.Fetch(ctx, req)
	})
}

// attemptRendered is attempt through the engine's circuit breaker, so a
// crashed browser fails fast instead of queueing requests on it.
func (o *Orchestrator) attemptRendered(ctx context.Context, req model.FetchRequest) (*model.FetchResult, error) {
	if o.breaker == nil {
		return o.attempt(ctx, o.rendered, req)
	}
	retry := o.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.Logged("scrape", "rendered fetch")
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.FetchResult, error) {
		return resilience.ExecuteVal(o.breaker, ctx, func(ctx context.Context) (*model.FetchResult, error) {
			return o.rendered.Fetch(ctx, req)
		})
	})
}

func (o *Orchestrator) finish(res *model.FetchResult, source string) (*model.NormalizedDocument, error) {
	doc, err := normalize.Document(res.Body, res.ContentType, res.FinalURL)
	if err != nil {
		return nil, err
	}
	zap.L().Info("scrape: complete",
		zap.String("url", res.FinalURL),
		zap.String("source", source),
		zap.Int("markdown_chars", len(doc.Markdown)),
	)
	return doc, nil
}

// terminal builds the fetch-failed error once both strategies are spent,
// keeping the most specific underlying cause reachable.
func (o *Orchestrator) terminal(target string, staticErr error, insufficient string, renderedErr error) error {
	cause := renderedErr
	if eris.Is(renderedErr, resilience.ErrCircuitOpen) && staticErr != nil {
		// The rendered path never ran; the static failure says more.
		cause = staticErr
	}

	switch {
	case staticErr != nil:
		return model.WrapError(model.KindFetchFailed, cause,
			"scrape: both strategies failed for %s (static: %v; rendered: %v)",
			target, staticErr, renderedErr)
	case insufficient != "":
		return model.WrapError(model.KindFetchFailed, cause,
			"scrape: static result insufficient (%s) and rendered fetch failed for %s: %v",
			insufficient, target, renderedErr)
	default:
		return model.WrapError(model.KindFetchFailed, cause,
			"scrape: rendered fetch failed for %s: %v", target, renderedErr)
	}
}

// ScrapeAll fetches multiple URLs in parallel under a concurrency limit.
// Failed URLs are logged and skipped; successes come back in completion
// order.
func (o *Orchestrator) ScrapeAll(ctx context.Context, urls []string, renderJS bool, maxConcurrent int) []*model.NormalizedDocument {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	var (
		mu   sync.Mutex
		docs []*model.NormalizedDocument
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, u := range urls {
		g.Go(func() error {
			doc, err := o.Scrape(gCtx, u, renderJS)
			if err != nil {
				zap.L().Warn("scrape: batch url failed",
					zap.String("url", u),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			docs = append(docs, doc)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return docs
}

// hostKey derives the rate-limiter bucket key for a target URL. Unparseable
// URLs fall back to the raw string so they still get a bucket.
func hostKey(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}
