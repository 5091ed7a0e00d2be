package main

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/webtools/internal/fetch"
	"github.com/sells-group/webtools/internal/ratelimit"
	"github.com/sells-group/webtools/internal/resilience"
	"github.com/sells-group/webtools/internal/scrape"
	"github.com/sells-group/webtools/internal/search"
	"github.com/sells-group/webtools/pkg/searx"
)

// appEnv holds the initialized services shared by the serve/search/scrape
// commands.
type appEnv struct {
	Limits       *ratelimit.Registry
	Orchestrator *scrape.Orchestrator
	Dispatcher   *search.Dispatcher

	pool *fetch.Pool // nil when rendering is disabled
}

// Close releases resources held by the environment.
func (ae *appEnv) Close() {
	if ae.pool != nil {
		ae.pool.Close()
	}
}

// initApp wires the rate limiter, fetch strategies, orchestrator, and search
// dispatcher from config. Callers should defer env.Close().
func initApp() (*appEnv, error) {
	overrides := make(map[string]ratelimit.BucketConfig, len(cfg.RateLimit.Buckets))
	for key, b := range cfg.RateLimit.Buckets {
		overrides[key] = ratelimit.BucketConfig{
			Capacity:     b.Capacity,
			RefillPerSec: b.RefillPerSec,
		}
	}
	limits := ratelimit.NewRegistry(ratelimit.BucketConfig{
		Capacity:     cfg.RateLimit.DefaultCapacity,
		RefillPerSec: cfg.RateLimit.DefaultRefillPerSec,
	}, overrides)

	retry := resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	}

	static := fetch.NewStatic(fetch.StaticConfig{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})

	var (
		rendered fetch.Strategy
		breaker  *resilience.Breaker
		pool     *fetch.Pool
	)
	if cfg.Render.Enabled {
		p, err := fetch.NewPool(fetch.PoolConfig{
			Size:      cfg.Render.PoolSize,
			RemoteURL: cfg.Render.RemoteURL,
			Headless:  true,
		})
		if err != nil {
			zap.L().Warn("rendering engine unavailable, static fetch only", zap.Error(err))
		} else {
			pool = p
			rendered = fetch.NewRendered(pool, fetch.RenderedConfig{
				Timeout:     time.Duration(cfg.Render.TimeoutSecs) * time.Second,
				AcquireWait: time.Duration(cfg.Render.AcquireWaitSecs) * time.Second,
				SettleDelay: time.Duration(cfg.Render.SettleMs) * time.Millisecond,
			})
			breaker = resilience.NewBreaker("render-engine", resilience.BreakerConfig{})
		}
	}

	policy := fetch.SufficiencyPolicy{
		MinBodyBytes:   cfg.Sufficiency.MinBodyBytes,
		MinTextChars:   cfg.Sufficiency.MinTextChars,
		MaxScriptRatio: cfg.Sufficiency.MaxScriptRatio,
	}

	orchestrator := scrape.NewOrchestrator(static, rendered, limits, retry, policy, breaker, scrape.Config{
		MaxRateLimitWait: time.Duration(cfg.RateLimit.MaxWaitSecs) * time.Second,
	})

	searxClient := searx.NewClient(cfg.Search.BaseURL, searx.WithHTTPClient(&http.Client{
		Timeout: time.Duration(cfg.Search.TimeoutSecs) * time.Second,
	}))
	dispatcher := search.NewDispatcher(searxClient, limits, retry, search.Config{
		MaxResults:    cfg.Search.MaxResults,
		MaxQueryChars: cfg.Search.MaxQueryChars,
		MaxWait:       time.Duration(cfg.RateLimit.MaxWaitSecs) * time.Second,
	})

	return &appEnv{
		Limits:       limits,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		pool:         pool,
	}, nil
}
