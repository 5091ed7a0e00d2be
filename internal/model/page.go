package model

import "time"

// FetchRequest describes a single outbound page retrieval. Immutable once
// constructed; strategies must not modify it.
type FetchRequest struct {
	URL      string        `json:"url"`
	RenderJS bool          `json:"render_js"`
	Timeout  time.Duration `json:"timeout"`
}

// FetchResult holds the raw outcome of a successful fetch. Failures are
// reported as *Error values, never as a partially filled FetchResult.
type FetchResult struct {
	Body        []byte `json:"-"`
	ContentType string `json:"content_type"`
	StatusCode  int    `json:"status_code"`
	FinalURL    string `json:"final_url"`
}

// NormalizedDocument is the canonical markdown representation of a fetched
// page, produced by the normalizer from an HTML-compatible FetchResult.
type NormalizedDocument struct {
	Title     string `json:"title,omitempty"`
	Markdown  string `json:"markdown"`
	SourceURL string `json:"source_url"`
}

// SearchResult is a single ranked entry from the search backend. Order of
// results is relevance rank and is preserved end-to-end.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
