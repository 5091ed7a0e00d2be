package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sells-group/webtools/internal/model"
)

// StaticConfig configures the plain HTTP fetch strategy.
type StaticConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Static fetches pages with a single HTTP GET and no script execution.
type Static struct {
	client *http.Client
	cfg    StaticConfig
}

// NewStatic creates the static fetch strategy.
func NewStatic(cfg StaticConfig) *Static {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; webtools/1.0)"
	}
	return &Static{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *Static) Name() string { return "static" }

// Fetch performs the GET. Non-2xx statuses are reported as http-status
// errors; redirects are followed by the client and the final URL is kept.
func (s *Static) Fetch(ctx context.Context, freq model.FetchRequest) (*model.FetchResult, error) {
	timeout := freq.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, freq.URL, nil)
	if err != nil {
		return nil, model.WrapError(model.KindConnection, err, "static: build request for %s", freq.URL)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err, freq.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, classifyNetErr(err, freq.URL)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.HTTPStatusError(resp.StatusCode, freq.URL)
	}

	return &model.FetchResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// classifyNetErr maps transport failures to the structured kinds: deadline
// and timeout conditions become KindTimeout, everything else KindConnection.
func classifyNetErr(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WrapError(model.KindTimeout, err, "static: fetch %s", url)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.WrapError(model.KindTimeout, err, "static: fetch %s", url)
	}
	return model.WrapError(model.KindConnection, err, "static: fetch %s", url)
}
