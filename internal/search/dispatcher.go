// Package search dispatches queries to the configured search backend under
// rate limiting and retry.
package search

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/webtools/internal/model"
	"github.com/sells-group/webtools/internal/ratelimit"
	"github.com/sells-group/webtools/internal/resilience"
	"github.com/sells-group/webtools/pkg/searx"
)

// BucketKey is the rate-limiter key for the search backend. A single backend
// is assumed; there is no fallback path for search.
const BucketKey = "search-backend"

// Config tunes query validation and result capping.
type Config struct {
	// MaxResults caps how many ranked entries are returned.
	MaxResults int
	// MaxQueryChars rejects over-length queries before dispatch.
	MaxQueryChars int
	// MaxWait bounds the blocking rate-limit acquire.
	MaxWait time.Duration
}

// Dispatcher performs web searches through the backend client.
type Dispatcher struct {
	client searx.Client
	limits *ratelimit.Registry
	retry  resilience.Policy
	cfg    Config
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(client searx.Client, limits *ratelimit.Registry, retry resilience.Policy, cfg Config) *Dispatcher {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.MaxQueryChars <= 0 {
		cfg.MaxQueryChars = 512
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	return &Dispatcher{client: client, limits: limits, retry: retry, cfg: cfg}
}

// Search validates the query, acquires the backend's rate-limit bucket, and
// runs the backend call under the transient-failure retry policy. Result
// order (backend relevance rank) is preserved.
func (d *Dispatcher) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, model.NewError(model.KindInvalidQuery, "search: empty query")
	}
	if len(query) > d.cfg.MaxQueryChars {
		return nil, model.NewError(model.KindInvalidQuery,
			"search: query exceeds %d characters", d.cfg.MaxQueryChars)
	}

	if err := d.limits.AcquireBlocking(ctx, BucketKey, 1, d.cfg.MaxWait); err != nil {
		return nil, err
	}

	retry := d.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.Logged("search", "backend query")
	}

	raw, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]searx.Result, error) {
		return d.client.Search(ctx, query)
	})
	if err != nil {
		return nil, classifyBackendErr(err)
	}

	results := make([]model.SearchResult, 0, min(len(raw), d.cfg.MaxResults))
	for _, r := range raw {
		if len(results) >= d.cfg.MaxResults {
			break
		}
		results = append(results, model.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}

	zap.L().Debug("search: dispatched",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// classifyBackendErr maps exhausted-retry and hard backend failures. Kinds
// the caller can act on (timeout, rate limit) pass through; everything else
// surfaces as backend unavailability.
func classifyBackendErr(err error) error {
	switch model.KindOf(err) {
	case model.KindTimeout, model.KindRateLimitExceeded, model.KindConfiguration:
		return err
	default:
		return model.WrapError(model.KindBackendUnavailable, err, "search: backend unavailable")
	}
}
