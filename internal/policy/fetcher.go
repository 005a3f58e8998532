package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/tier"
)

// Fetcher performs the remote leg of a policy.
type Fetcher interface {
	Fetch(ctx context.Context, req tier.Request) (cache.Entry, error)
}

// StatusError reports a non-2xx upstream response. Entry holds what the
// upstream returned so callers can still relay it.
type StatusError struct {
	Entry cache.Entry
}

// Error names the upstream URL and status.
func (e *StatusError) Error() string {
	return fmt.Sprintf("policy: upstream %s returned status %d", e.Entry.URL, e.Entry.Status)
}

// AsStatusError unwraps a StatusError from err.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes connection-scoped headers in place.
func StripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HTTPFetcher issues GET requests through Client.
type HTTPFetcher struct {
	Client *http.Client
	// MaxBodyBytes caps buffered response bodies; zero means unlimited.
	MaxBodyBytes int64
}

// Fetch buffers the upstream response. Non-2xx responses return a StatusError.
func (f HTTPFetcher) Fetch(ctx context.Context, req tier.Request) (cache.Entry, error) {
	if req.URL == nil {
		return cache.Entry{}, errors.New("policy: request url required")
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("policy: build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
		StripHopHeaders(httpReq.Header)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("policy: fetch %s: %w", req.Key(), err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if f.MaxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBodyBytes+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("policy: read %s: %w", req.Key(), err)
	}
	if f.MaxBodyBytes > 0 && int64(len(payload)) > f.MaxBodyBytes {
		return cache.Entry{}, fmt.Errorf("policy: %s body exceeds %d bytes", req.Key(), f.MaxBodyBytes)
	}

	header := resp.Header.Clone()
	StripHopHeaders(header)
	entry := cache.Entry{
		URL:    req.Key(),
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return entry, &StatusError{Entry: entry}
	}
	return entry, nil
}
