package scrape

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/webtools/internal/fetch"
	"github.com/sells-group/webtools/internal/model"
	"github.com/sells-group/webtools/internal/ratelimit"
	"github.com/sells-group/webtools/internal/resilience"
)

type stubStrategy struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req model.FetchRequest) (*model.FetchResult, error)
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Fetch(ctx context.Context, req model.FetchRequest) (*model.FetchResult, error) {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func htmlResult(url, text string) *model.FetchResult {
	body := "<html><head><title>Test Page</title></head><body><p>" + text + "</p></body></html>"
	return &model.FetchResult{
		Body:        []byte(body),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  200,
		FinalURL:    url,
	}
}

func fastRetry(attempts int) resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0,
	}
}

func openLimits() *ratelimit.Registry {
	return ratelimit.NewRegistry(ratelimit.BucketConfig{Capacity: 100, RefillPerSec: 100}, nil)
}

func testPolicy() fetch.SufficiencyPolicy {
	return fetch.SufficiencyPolicy{MinBodyBytes: 10, MinTextChars: 40, MaxScriptRatio: 0.9}
}

func TestScrapeSufficientStaticSkipsRendered(t *testing.T) {
	longText := strings.Repeat("plenty of real readable article text here ", 5)
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return htmlResult("https://example.com/article", longText), nil
	}}
	rendered := &stubStrategy{name: "rendered", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		t.Fatal("rendered strategy should not run")
		return nil, nil
	}}

	o := NewOrchestrator(static, rendered, openLimits(), fastRetry(3), testPolicy(), nil, Config{})

	doc, err := o.Scrape(context.Background(), "https://example.com/article", false)
	require.NoError(t, err)
	assert.Equal(t, "Test Page", doc.Title)
	assert.Contains(t, doc.Markdown, "readable article text")
	assert.Equal(t, int32(1), static.calls.Load())
	assert.Equal(t, int32(0), rendered.calls.Load())
}

func TestScrapeInsufficientStaticFallsBack(t *testing.T) {
	longText := strings.Repeat("content that only appears after scripts run ", 5)
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return htmlResult("https://example.com/spa", "loading"), nil
	}}
	rendered := &stubStrategy{name: "rendered", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return htmlResult("https://example.com/spa", longText), nil
	}}

	o := NewOrchestrator(static, rendered, openLimits(), fastRetry(3), testPolicy(), nil, Config{})

	doc, err := o.Scrape(context.Background(), "https://example.com/spa", false)
	require.NoError(t, err)
	assert.Contains(t, doc.Markdown, "appears after scripts run")
	assert.Equal(t, int32(1), static.calls.Load())
	assert.Equal(t, int32(1), rendered.calls.Load())
}

func TestScrapeRenderJSSkipsStatic(t *testing.T) {
	longText := strings.Repeat("fully rendered page body with enough text ", 5)
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		t.Fatal("static strategy should not run")
		return nil, nil
	}}
	rendered := &stubStrategy{name: "rendered", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return htmlResult("https://example.com/app", longText), nil
	}}

	o := NewOrchestrator(static, rendered, openLimits(), fastRetry(3), testPolicy(), nil, Config{})

	_, err := o.Scrape(context.Background(), "https://example.com/app", true)
	require.NoError(t, err)
	assert.Equal(t, int32(0), static.calls.Load())
	assert.Equal(t, int32(1), rendered.calls.Load())
}

func TestScrapeStaticRetriesExhaustedBeforeFallback(t *testing.T) {
	longText := strings.Repeat("rendered page content long enough to pass ", 5)
	static := &stubStrategy{name: "static"}
	rendered := &stubStrategy{name: "rendered"}
	static.fn = func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		require.Equal(t, int32(0), rendered.calls.Load(), "rendered ran before static retries were exhausted")
		return nil, model.NewError(model.KindConnection, "connection reset")
	}
	rendered.fn = func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return htmlResult("https://example.com/flaky", longText), nil
	}

	o := NewOrchestrator(static, rendered, openLimits(), fastRetry(3), testPolicy(), nil, Config{})

	doc, err := o.Scrape(context.Background(), "https://example.com/flaky", false)
	require.NoError(t, err)
	assert.Contains(t, doc.Markdown, "rendered page content")
	assert.Equal(t, int32(3), static.calls.Load())
	assert.Equal(t, int32(1), rendered.calls.Load())
}

func TestScrapeBothStrategiesFail(t *testing.T) {
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return nil, model.HTTPStatusError(500, "server error")
	}}
	rendered := &stubStrategy{name: "rendered", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return nil, model.NewError(model.KindConnection, "browser crashed")
	}}

	o := NewOrchestrator(static, rendered, openLimits(), fastRetry(2), testPolicy(), nil, Config{})

	_, err := o.Scrape(context.Background(), "https://example.com/down", false)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindFetchFailed))
	assert.Contains(t, err.Error(), "static")
	assert.Contains(t, err.Error(), "rendered")
}

func TestScrapeRenderJSWithRenderingDisabled(t *testing.T) {
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		t.Fatal("static strategy should not run")
		return nil, nil
	}}

	o := NewOrchestrator(static, nil, openLimits(), fastRetry(2), testPolicy(), nil, Config{})

	_, err := o.Scrape(context.Background(), "https://example.com/app", true)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
}

func TestScrapeInsufficientStaticWithRenderingDisabled(t *testing.T) {
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return htmlResult("https://example.com/spa", "loading"), nil
	}}

	o := NewOrchestrator(static, nil, openLimits(), fastRetry(2), testPolicy(), nil, Config{})

	doc, err := o.Scrape(context.Background(), "https://example.com/spa", false)
	require.NoError(t, err)
	assert.Contains(t, doc.Markdown, "loading")
}

func TestScrapeRateLimitedPerHost(t *testing.T) {
	longText := strings.Repeat("article body with enough characters to pass ", 5)
	serve := func(_ context.Context, req model.FetchRequest) (*model.FetchResult, error) {
		res := htmlResult(req.URL, longText)
		return res, nil
	}
	static := &stubStrategy{name: "static", fn: serve}

	limits := ratelimit.NewRegistry(ratelimit.BucketConfig{Capacity: 1, RefillPerSec: 0.01}, nil)
	o := NewOrchestrator(static, nil, limits, fastRetry(1), testPolicy(), nil, Config{
		MaxRateLimitWait: 20 * time.Millisecond,
	})

	_, err := o.Scrape(context.Background(), "https://slow.example.com/a", false)
	require.NoError(t, err)

	_, err = o.Scrape(context.Background(), "https://slow.example.com/b", false)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindRateLimitExceeded))

	// A different host gets its own bucket.
	_, err = o.Scrape(context.Background(), "https://other.example.com/c", false)
	require.NoError(t, err)
}

func TestScrapeUnsupportedContentType(t *testing.T) {
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return &model.FetchResult{
			Body:        []byte(strings.Repeat("\x89PNG filler bytes ", 20)),
			ContentType: "image/png",
			StatusCode:  200,
			FinalURL:    "https://example.com/logo.png",
		}, nil
	}}

	o := NewOrchestrator(static, nil, openLimits(), fastRetry(1), testPolicy(), nil, Config{})

	_, err := o.Scrape(context.Background(), "https://example.com/logo.png", false)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindUnsupportedContent))
}

func TestScrapeEmptyURL(t *testing.T) {
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		t.Fatal("static strategy should not run")
		return nil, nil
	}}

	o := NewOrchestrator(static, nil, openLimits(), fastRetry(1), testPolicy(), nil, Config{})

	_, err := o.Scrape(context.Background(), "   ", false)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidQuery))
}

func TestScrapeRenderedGuardedByBreaker(t *testing.T) {
	static := &stubStrategy{name: "static", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return nil, model.NewError(model.KindConnection, "refused")
	}}
	rendered := &stubStrategy{name: "rendered", fn: func(_ context.Context, _ model.FetchRequest) (*model.FetchResult, error) {
		return nil, model.NewError(model.KindConnection, "browser gone")
	}}

	breaker := resilience.NewBreaker("render-engine", resilience.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	o := NewOrchestrator(static, rendered, openLimits(), fastRetry(2), testPolicy(), breaker, Config{})

	_, err := o.Scrape(context.Background(), "https://example.com/x", false)
	require.Error(t, err)
	assert.Equal(t, resilience.CircuitOpen, breaker.State())

	// With the breaker open the rendered strategy is never invoked again.
	before := rendered.calls.Load()
	_, err = o.Scrape(context.Background(), "https://example.com/y", false)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindFetchFailed))
	assert.Equal(t, before, rendered.calls.Load())
}

func TestScrapeAllCollectsSuccesses(t *testing.T) {
	longText := strings.Repeat("batch page body with enough text to pass ", 5)
	static := &stubStrategy{name: "static", fn: func(_ context.Context, req model.FetchRequest) (*model.FetchResult, error) {
		if strings.Contains(req.URL, "broken") {
			return nil, model.HTTPStatusError(404, "not found")
		}
		return htmlResult(req.URL, longText), nil
	}}

	o := NewOrchestrator(static, nil, openLimits(), fastRetry(1), testPolicy(), nil, Config{})

	urls := []string{
		"https://a.example.com/1",
		"https://b.example.com/broken",
		"https://c.example.com/2",
	}
	docs := o.ScrapeAll(context.Background(), urls, false, 2)
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.NotContains(t, doc.SourceURL, "broken")
	}
}
