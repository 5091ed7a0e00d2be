// Package searx provides a client for the SearXNG metasearch JSON API.
package searx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webtools/internal/model"
)

const maxBodySize = 512 * 1024

// Client defines the search backend operations.
type Client interface {
	// Search runs a query and returns results in backend relevance order.
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error)
}

// Result is one ranked entry from the backend.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// searchResponse models the relevant portion of the SearXNG JSON response.
type searchResponse struct {
	Results         []Result `json:"results"`
	NumberOfResults int      `json:"number_of_results"`
}

// SearchOption configures a single search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	timeRange string
	page      int
}

// WithTimeRange restricts results to a recency window ("day", "week",
// "month", "year").
func WithTimeRange(tr string) SearchOption {
	return func(o *searchOpts) {
		o.timeRange = tr
	}
}

// WithPage requests a specific result page (1-based).
func WithPage(page int) SearchOption {
	return func(o *searchOpts) {
		o.page = page
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the instance URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a SearXNG client for the given instance URL.
func NewClient(instanceURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(instanceURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	o := searchOpts{page: 1}
	for _, opt := range opts {
		opt(&o)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search", nil)
	if err != nil {
		return nil, eris.Wrap(err, "searx: create request")
	}

	q := req.URL.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("pageno", strconv.Itoa(o.page))
	if o.timeRange != "" {
		q.Set("time_range", o.timeRange)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, model.WrapError(model.KindTimeout, err, "searx: search request")
		}
		return nil, model.WrapError(model.KindConnection, err, "searx: search request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, model.WrapError(model.KindConnection, err, "searx: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, model.HTTPStatusError(resp.StatusCode, "searx: search failed")
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "searx: parse response")
	}

	return parsed.Results, nil
}
