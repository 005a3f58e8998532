package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/config"
	"github.com/l0p7/fxoffline/internal/logging"
)

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	return f.cfg, f.loadErr
}

type runnableFunc func(ctx context.Context) error

func (f runnableFunc) Run(ctx context.Context) error { return f(ctx) }

// hookedServer runs its registered shutdown hooks from Run.
type hookedServer struct {
	closing []func()
	drains  []func()
}

func (s *hookedServer) OnClosing(fn func()) { s.closing = append(s.closing, fn) }
func (s *hookedServer) OnDrain(fn func()) { s.drains = append(s.drains, fn) }

func (s *hookedServer) Run(context.Context) error {
	for _, fn := range s.closing {
		fn()
	}
	for _, fn := range s.drains {
		fn()
	}
	return nil
}

func overrideConfigLoader(t *testing.T, fn func(envPrefix, configFile string) configLoader) {
	t.Helper()
	previous := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = previous })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	t.Helper()
	previous := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = previous })
}

func offlineConfig(origin string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Origin = origin
	cfg.Server.Logging.Level = "error"
	cfg.Durable.Backend = "memory"
	cfg.Page.Enabled = false
	return cfg
}

func TestBuildCacheStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.ServerCacheConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{MaxBytes: "1mb"}
			},
		},
		{
			name: "opens leveldb",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "leveldb", Path: filepath.Join(t.TempDir(), "cache")}
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server := miniredis.RunT(t)
				return config.ServerCacheConfig{Backend: "redis", Redis: config.RedisConfig{Address: server.Addr()}}
			},
		},
		{
			name: "falls back when redis unreachable",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "redis", Redis: config.RedisConfig{Address: "127.0.0.1:1"}}
			},
		},
		{
			name: "falls back on unknown backend",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "sqlite"}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := buildCacheStore(logging.Discard(), tc.cfg(t))
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})

			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "pages-v4", "http://app.test/", cache.Entry{URL: "http://app.test/", Status: http.StatusOK}))
			_, ok, err := store.Get(ctx, "pages-v4", "http://app.test/")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestBuildDurableStore(t *testing.T) {
	cases := map[string]config.DurableConfig{
		"memory":  {Backend: "memory"},
		"leveldb": {Backend: "leveldb", Path: filepath.Join(t.TempDir(), "durable")},
		"redis":   {Backend: "redis", Redis: config.RedisConfig{Address: miniredis.RunT(t).Addr()}},
		"unknown": {Backend: "etcd"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			store := buildDurableStore(logging.Discard(), cfg)
			t.Cleanup(func() { require.NoError(t, store.Close()) })

			ctx := context.Background()
			require.NoError(t, store.PutMany(ctx, map[string][]byte{"last_snapshot_base": []byte(`"USD"`)}))
			got, err := store.GetMany(ctx, "last_snapshot_base")
			require.NoError(t, err)
			require.Equal(t, `"USD"`, string(got["last_snapshot_base"]))
		})
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "FXOFFLINE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: offlineConfig(origin.URL)}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "FXOFFLINE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServesWorkerRoutes(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("origin " + r.URL.Path))
	}))
	defer origin.Close()

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: offlineConfig(origin.URL)}
	})
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return runnableFunc(func(context.Context) error {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			e := httpexpect.WithConfig(httpexpect.Config{
				BaseURL:  srv.URL,
				Reporter: httpexpect.NewRequireReporter(t),
				Client:   srv.Client(),
			})

			health := e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
			health.Value("active").String().IsEqual("v4")

			resp := e.GET("/currency").WithHeader("Sec-Fetch-Mode", "navigate").Expect().Status(http.StatusOK)
			resp.Header("X-Offline-Cache").IsEqual("network")
			resp.Body().IsEqual("origin /currency")

			e.GET("/manifest.json").Expect().Status(http.StatusOK).Header("X-Offline-Cache").IsEqual("cache")
			e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("fxoffline_policy_requests_total")
			return nil
		}), nil
	})

	require.NoError(t, run(context.Background(), "FXOFFLINE", ""))
}

func TestRunRegistersShutdownHooks(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: offlineConfig(origin.URL)}
	})
	srv := &hookedServer{}
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return srv, nil
	})

	require.NoError(t, run(context.Background(), "FXOFFLINE", ""))
	require.Len(t, srv.closing, 1)
	require.Len(t, srv.drains, 2)
}
