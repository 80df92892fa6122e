// Package search calls the local search API and classifies its responses
// for the queue-search stage. The search service caches result snapshots
// into search_cache_history on its own side; this client only reports
// whether a query was successfully dispatched.
package search

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Outcome of a dispatched query.
type Outcome int

const (
	// Sent means the backend accepted the query and produced result URLs.
	Sent Outcome = iota
	// SoftRetry means the row should stay pending with a descriptive error
	// (backend had no results yet, or results carried no URLs).
	SoftRetry
)

// Result describes one search call.
type Result struct {
	Outcome Outcome
	// Reason is the last_error text for SoftRetry ("no_results: ...", "no_urls").
	Reason string
	// TopURLs from the response meta, when present.
	TopURLs []string
}

// Client issues GET requests against the configured base, which already
// ends in the query parameter (e.g. ".../v1/search/?q=").
type Client struct {
	httpClient *http.Client
	base       string
}

func NewClient(base string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		base:       base,
	}
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Meta    struct {
		TopURLs []any `json:"top_urls"`
	} `json:"meta"`
}

// Query dispatches q and classifies the response. A hard failure (transport
// error, non-object body, backend error other than no_results) returns a
// non-nil error; soft-retry conditions come back as Result values.
func (c *Client) Query(q string) (*Result, error) {
	u := c.base + url.QueryEscape(q)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search http failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("search read: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("search_api_bad_response: %s", snippet(string(raw)))
	}

	if !out.OK {
		if out.Error == "no_results" {
			return &Result{
				Outcome: SoftRetry,
				Reason:  strings.TrimSpace("no_results: " + out.Message),
			}, nil
		}
		return nil, fmt.Errorf("search_api_bad_response: %s", snippet(string(raw)))
	}

	var urls []string
	for _, v := range out.Meta.TopURLs {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			urls = append(urls, s)
		}
	}
	if len(urls) == 0 {
		return &Result{Outcome: SoftRetry, Reason: "no_urls"}, nil
	}
	return &Result{Outcome: Sent, TopURLs: urls}, nil
}

func snippet(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
