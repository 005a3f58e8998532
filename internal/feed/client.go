// Package feed reads the remote rates endpoint.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/fxoffline/internal/policy"
)

// ErrStaleRelay reports a response the worker answered from its cache
// because the network leg failed.
var ErrStaleRelay = errors.New("feed: worker relayed a stale copy")

// Client fetches GET {BaseURL}{Path}/{base}.
type Client struct {
	baseURL string
	path    string
	http    *http.Client
}

// New targets {baseURL}{path}/{base}. A nil client uses http.DefaultClient.
func New(baseURL, path string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    "/" + strings.Trim(path, "/"),
		http:    client,
	}
}

// Host is the feed's host, used by tier predicates to route feed calls.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// URL is the endpoint for base.
func (c *Client) URL(base string) string {
	path := c.path
	if path == "/" {
		path = ""
	}
	return c.baseURL + path + "/" + url.PathEscape(base)
}

type latestResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// Latest returns the symbol to rate mapping for base. Non-2xx responses and
// empty rate sets are errors.
func (c *Client) Latest(ctx context.Context, base string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(base), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(policy.SourceHeader) == string(policy.SourceStale) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrStaleRelay
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("feed: unexpected status %d", resp.StatusCode)
	}

	var payload latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("feed: decode: %w", err)
	}
	if len(payload.Rates) == 0 {
		return nil, errors.New("feed: response carries no rates")
	}
	return payload.Rates, nil
}
