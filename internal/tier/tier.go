// Package tier maps requests onto named, versioned cache partitions.
package tier

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/fxoffline/internal/config"
	"github.com/l0p7/fxoffline/internal/expr"
)

// Kind selects one of the three fetch policies.
type Kind string

const (
	NetworkFirst         Kind = config.PolicyNetworkFirst
	StaleWhileRevalidate Kind = config.PolicyStaleWhileRevalidate
	CacheFirst           Kind = config.PolicyCacheFirst
)

// Policy is a tier's fetch strategy and its network deadline.
type Policy struct {
	Kind Kind
	// Timeout applies to NetworkFirst only. Zero means wait for the network.
	Timeout time.Duration
}

// Tier is an immutable partition definition for one generation.
type Tier struct {
	// Name is the versioned partition name, e.g. "api-v4".
	Name string
	Base string
	Policy
	// Stamped tiers record an acquisition timestamp on every write.
	Stamped bool

	program expr.Program
	guard   *writeGuard
}

// writeGuard holds off retirement while a tier write is in progress.
type writeGuard struct {
	mu      sync.RWMutex
	retired bool
}

// Write runs put unless the tier's generation has been retired and reports
// whether put ran. Tiers built outside a Registry are always writable.
func (t Tier) Write(put func() error) (bool, error) {
	if t.guard == nil {
		return true, put()
	}
	t.guard.mu.RLock()
	defer t.guard.mu.RUnlock()
	if t.guard.retired {
		return false, nil
	}
	return true, put()
}

// Request is the descriptor tier predicates evaluate.
type Request struct {
	Method      string
	URL         *url.URL
	Destination string
	Mode        string
	Accept      string
	Header      http.Header
}

// FromHTTP describes r. Relative request URLs (server-side requests) are
// resolved against base.
func FromHTTP(r *http.Request, base *url.URL) Request {
	u := r.URL
	if u != nil && !u.IsAbs() && base != nil {
		u = base.ResolveReference(u)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		Method:      method,
		URL:         u,
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Accept:      r.Header.Get("Accept"),
		Header:      r.Header,
	}
}

// Key is the canonical cache key for the request.
func (r Request) Key() string {
	if r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (r Request) activation(feedHost string) map[string]any {
	req := map[string]string{
		"method":      r.Method,
		"url":         r.Key(),
		"scheme":      "",
		"host":        "",
		"path":        "",
		"origin":      "",
		"destination": r.Destination,
		"mode":        r.Mode,
		"accept":      r.Accept,
	}
	if r.URL != nil {
		req["scheme"] = r.URL.Scheme
		req["host"] = r.URL.Host
		req["path"] = r.URL.Path
		req["origin"] = r.URL.Scheme + "://" + r.URL.Host
	}
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return map[string]any{
		"request": req,
		"headers": headers,
		"feed":    map[string]string{"host": feedHost},
	}
}

// VersionedName joins a tier base name and a build identifier.
func VersionedName(base, version string) string {
	return base + "-" + version
}

// Registry is the ordered tier table of one generation.
type Registry struct {
	version  string
	shell    string
	feedHost string
	tiers    []Tier
	guard    *writeGuard
}

// Options configures NewRegistry.
type Options struct {
	Version        string
	Shell          string
	FeedHost       string
	DefaultTimeout time.Duration
	Tiers          []config.TierConfig
}

// NewRegistry compiles every tier predicate. Order in opts.Tiers is match order.
func NewRegistry(env *expr.Environment, opts Options) (*Registry, error) {
	if env == nil {
		return nil, errors.New("tier: expression environment required")
	}
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("tier: version required")
	}
	reg := &Registry{
		version:  opts.Version,
		feedHost: opts.FeedHost,
		tiers:    make([]Tier, 0, len(opts.Tiers)),
		guard:    &writeGuard{},
	}
	if opts.Shell != "" {
		reg.shell = VersionedName(opts.Shell, opts.Version)
	}
	for _, tc := range opts.Tiers {
		program, err := env.Compile(tc.Match)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", tc.Name, err)
		}
		t := Tier{
			Name:    VersionedName(tc.Name, opts.Version),
			Base:    tc.Name,
			Stamped: tc.StampFetchedAt,
			program: program,
			guard:   reg.guard,
		}
		t.Kind = Kind(tc.Policy)
		if t.Kind == NetworkFirst {
			t.Timeout = tc.Timeout(opts.DefaultTimeout)
		}
		reg.tiers = append(reg.tiers, t)
	}
	return reg, nil
}

// Match returns the first tier whose predicate holds. Only GET requests are
// ever cached; predicates that fail to evaluate count as no match.
func (r *Registry) Match(req Request) (Tier, bool) {
	if r == nil || req.Method != http.MethodGet || req.URL == nil {
		return Tier{}, false
	}
	vars := req.activation(r.feedHost)
	for _, t := range r.tiers {
		ok, err := t.program.EvalBool(vars)
		if err == nil && ok {
			return t, true
		}
	}
	return Tier{}, false
}

// Retire refuses all later writes to the registry's tiers. It returns once
// writes already in progress have finished, so a purge that follows cannot
// be undone by them.
func (r *Registry) Retire() {
	r.guard.mu.Lock()
	r.guard.retired = true
	r.guard.mu.Unlock()
}

// Resume reopens a retired registry for writes.
func (r *Registry) Resume() {
	r.guard.mu.Lock()
	r.guard.retired = false
	r.guard.mu.Unlock()
}

// Retired reports whether Retire was called without a later Resume.
func (r *Registry) Retired() bool {
	r.guard.mu.RLock()
	defer r.guard.mu.RUnlock()
	return r.guard.retired
}

// Version is the generation's build identifier.
func (r *Registry) Version() string { return r.version }

// Shell is the versioned precache partition name.
func (r *Registry) Shell() string { return r.shell }

// Tiers returns the tier table in match order.
func (r *Registry) Tiers() []Tier {
	return append([]Tier(nil), r.tiers...)
}

// Names is the activation allow-list: every tier partition plus the shell.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tiers)+1)
	for _, t := range r.tiers {
		names = append(names, t.Name)
	}
	if r.shell != "" {
		names = append(names, r.shell)
	}
	return names
}
