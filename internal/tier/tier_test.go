package tier

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/fxoffline/internal/config"
	"github.com/l0p7/fxoffline/internal/expr"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	reg, err := NewRegistry(env, Options{
		Version:        "v4",
		Shell:          "shell",
		FeedHost:       "api.exchangerate-api.com",
		DefaultTimeout: 3 * time.Second,
		Tiers:          config.DefaultTiers(),
	})
	require.NoError(t, err)
	return reg
}

func request(method, target string, headers map[string]string) Request {
	r := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return FromHTTP(r, nil)
}

func TestRegistryMatchesInOrder(t *testing.T) {
	reg := defaultRegistry(t)

	tests := []struct {
		name    string
		req     Request
		want    string
		matched bool
	}{
		{
			name:    "navigation",
			req:     request(http.MethodGet, "http://app.test/currency", map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}),
			want:    "pages-v4",
			matched: true,
		},
		{
			name:    "api path beats script destination",
			req:     request(http.MethodGet, "http://app.test/api/rates.js", map[string]string{"Sec-Fetch-Dest": "script"}),
			want:    "api-v4",
			matched: true,
		},
		{
			name:    "json accept",
			req:     request(http.MethodGet, "http://app.test/data", map[string]string{"Accept": "application/json"}),
			want:    "api-v4",
			matched: true,
		},
		{
			name:    "feed origin",
			req:     request(http.MethodGet, "https://api.exchangerate-api.com/v4/latest/USD", nil),
			want:    "api-v4",
			matched: true,
		},
		{
			name:    "style asset",
			req:     request(http.MethodGet, "http://app.test/app.css", map[string]string{"Sec-Fetch-Dest": "style"}),
			want:    "assets-v4",
			matched: true,
		},
		{
			name:    "worker asset",
			req:     request(http.MethodGet, "http://app.test/sw.js", map[string]string{"Sec-Fetch-Dest": "worker"}),
			want:    "assets-v4",
			matched: true,
		},
		{
			name:    "image",
			req:     request(http.MethodGet, "http://app.test/logo.png", map[string]string{"Sec-Fetch-Dest": "image"}),
			want:    "images-v4",
			matched: true,
		},
		{
			name: "no predicate holds",
			req:  request(http.MethodGet, "http://app.test/font.woff2", map[string]string{"Sec-Fetch-Dest": "font"}),
		},
		{
			name: "non-GET never matches",
			req:  request(http.MethodPost, "http://app.test/api/rates", nil),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := reg.Match(tc.req)
			require.Equal(t, tc.matched, ok)
			require.Equal(t, tc.want, got.Name)
		})
	}
}

func TestRegistryTierAttributes(t *testing.T) {
	reg := defaultRegistry(t)
	tiers := reg.Tiers()
	require.Len(t, tiers, 4)

	require.Equal(t, "api-v4", tiers[0].Name)
	require.Equal(t, "api", tiers[0].Base)
	require.Equal(t, NetworkFirst, tiers[0].Kind)
	require.Equal(t, 3*time.Second, tiers[0].Timeout)
	require.True(t, tiers[0].Stamped)

	require.Equal(t, StaleWhileRevalidate, tiers[2].Kind)
	require.Zero(t, tiers[2].Timeout)
	require.False(t, tiers[2].Stamped)
	require.Equal(t, CacheFirst, tiers[3].Kind)
}

func TestRegistryNamesIncludeShell(t *testing.T) {
	reg := defaultRegistry(t)
	require.Equal(t, []string{"api-v4", "pages-v4", "assets-v4", "images-v4", "shell-v4"}, reg.Names())
	require.Equal(t, "shell-v4", reg.Shell())
	require.Equal(t, "v4", reg.Version())
}

func TestNewRegistryRejectsBadPredicate(t *testing.T) {
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	_, err = NewRegistry(env, Options{
		Version: "v1",
		Tiers:   []config.TierConfig{{Name: "broken", Match: "request.path +", Policy: config.PolicyCacheFirst}},
	})
	require.Error(t, err)

	_, err = NewRegistry(env, Options{})
	require.Error(t, err)

	_, err = NewRegistry(nil, Options{Version: "v1"})
	require.Error(t, err)
}

func TestFromHTTPResolvesRelativeURL(t *testing.T) {
	origin, err := url.Parse("http://origin.test:3000")
	require.NoError(t, err)
	r := &http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/app.js", RawQuery: "v=1", Fragment: "x"}, Header: http.Header{}}

	req := FromHTTP(r, origin)
	require.Equal(t, "http://origin.test:3000/app.js?v=1", req.Key())
}

func TestMatchNilRegistry(t *testing.T) {
	var reg *Registry
	_, ok := reg.Match(request(http.MethodGet, "http://app.test/", nil))
	require.False(t, ok)
}

func TestRetiredRegistryRefusesWrites(t *testing.T) {
	reg := defaultRegistry(t)
	assets := reg.Tiers()[2]

	calls := 0
	put := func() error { calls++; return nil }

	ran, err := assets.Write(put)
	require.NoError(t, err)
	require.True(t, ran)

	reg.Retire()
	require.True(t, reg.Retired())
	ran, err = assets.Write(put)
	require.NoError(t, err)
	require.False(t, ran)
	require.Equal(t, 1, calls)

	reg.Resume()
	require.False(t, reg.Retired())
	ran, err = assets.Write(put)
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 2, calls)
}

func TestRetireWaitsForWriteInProgress(t *testing.T) {
	reg := defaultRegistry(t)
	assets := reg.Tiers()[2]

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = assets.Write(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	retired := make(chan struct{})
	go func() {
		reg.Retire()
		close(retired)
	}()
	select {
	case <-retired:
		t.Fatal("retire returned while a write was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	select {
	case <-retired:
	case <-time.After(2 * time.Second):
		t.Fatal("retire did not return after the write finished")
	}
}

func TestBareTierIsAlwaysWritable(t *testing.T) {
	ran, err := Tier{Name: "pages-v4"}.Write(func() error { return nil })
	require.NoError(t, err)
	require.True(t, ran)
}
