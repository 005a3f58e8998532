package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/config"
	"github.com/l0p7/fxoffline/internal/connectivity"
	"github.com/l0p7/fxoffline/internal/control"
	"github.com/l0p7/fxoffline/internal/durable"
	"github.com/l0p7/fxoffline/internal/feed"
	"github.com/l0p7/fxoffline/internal/freshness"
	"github.com/l0p7/fxoffline/internal/logging"
	"github.com/l0p7/fxoffline/internal/metrics"
	"github.com/l0p7/fxoffline/internal/page"
	"github.com/l0p7/fxoffline/internal/server"
	"github.com/l0p7/fxoffline/internal/templates"
	"github.com/l0p7/fxoffline/internal/transport/ws"
	"github.com/l0p7/fxoffline/internal/worker"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

// shutdownHooks is implemented by servers that sequence their teardown.
type shutdownHooks interface {
	OnClosing(fn func())
	OnDrain(fn func())
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return config.NewLoader(envPrefix, configFile)
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "FXOFFLINE", "environment variable prefix")
		clearURL   = flag.String("clear-caches", "", "clear every cache of the worker at this URL and exit")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *clearURL != "" {
		if err := clearRemoteCaches(ctx, *clearURL); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	factoryLogger := logger.With(slog.String("agent", "store_factory"))
	blobs := buildCacheStore(factoryLogger, cfg.Server.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := blobs.Close(closeCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()
	snapshots := buildDurableStore(factoryLogger, cfg.Durable)
	defer func() {
		if err := snapshots.Close(); err != nil {
			logger.Error("durable store shutdown failed", slog.Any("error", err))
		}
	}()

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	feedClient := feed.New(cfg.Feed.BaseURL, cfg.Feed.Path, nil)

	hub := control.NewHub(logger, recorder)
	defer hub.Close()

	w, err := worker.New(worker.Options{
		Config:   cfg.Worker,
		Origin:   origin,
		FeedHost: feedClient.Host(),
		Store:    blobs,
		Hub:      hub,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return fmt.Errorf("construct worker: %w", err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	deploy := func(version string) {
		if err := w.Deploy(runCtx, version); err != nil {
			logger.Error("deploy failed", slog.String("version", version), slog.Any("error", err))
		}
	}
	if manifest := strings.TrimSpace(cfg.Worker.ManifestFile); manifest != "" {
		watcher, err := config.WatchManifest(runCtx, manifest, deploy, func(err error) {
			logger.Error("manifest watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Warn("manifest watcher setup failed, deploying configured version",
				slog.String("manifest", manifest), slog.Any("error", err))
			deploy(cfg.Worker.Version)
		} else {
			defer watcher.Stop()
		}
	} else {
		deploy(cfg.Worker.Version)
	}
	goRun(func() {
		if err := w.Run(runCtx); err != nil {
			logger.Error("control loop ended", slog.Any("error", err))
		}
	})

	device := connectivity.NewInterfaceSource(cfg.Connectivity.Interval())
	goRun(func() { device.Run(runCtx) })
	monitor := connectivity.NewMonitor(connectivity.Options{
		Target:   origin.ResolveReference(&url.URL{Path: cfg.Connectivity.ProbePath}).String(),
		Timeout:  cfg.Connectivity.ProbeTimeout(),
		Interval: cfg.Connectivity.Interval(),
		Device:   device,
		Logger:   logger,
		Metrics:  recorder,
	})
	goRun(func() { monitor.Run(runCtx) })

	routes := server.Routes{
		Worker:  w,
		State:   w,
		Metrics: recorder.Handler(),
		Control: ws.NewHandler(hub, logger),
		Pages:   hub.Pages,
	}

	if cfg.Page.Enabled {
		host, err := buildPage(cfg, logger, recorder, snapshots, w, hub, monitor)
		if err != nil {
			return err
		}
		routes.Page = host
		goRun(func() {
			if err := host.Run(runCtx); err != nil {
				logger.Error("page session ended", slog.Any("error", err))
			}
		})
	}

	srv, err := newHTTPServer(cfg, logger, server.NewHandler(routes))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if hooks, ok := srv.(shutdownHooks); ok {
		// Pages attached over /control are hijacked connections.
		hooks.OnClosing(hub.Close)
		hooks.OnDrain(cancel)
		hooks.OnDrain(w.Close)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	cancel()
	hub.Close()
	logger.Info("server shutdown complete")
	return nil
}

// buildPage wires the in-process page: its feed requests go through the
// worker, and its control channel attaches straight to the hub.
func buildPage(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, snapshots durable.Store, w *worker.Worker, hub *control.Hub, monitor *connectivity.Monitor) (*page.Host, error) {
	messages, err := templates.CompileMessages(templates.NewRenderer(), cfg.Page.Messages)
	if err != nil {
		return nil, fmt.Errorf("compile page messages: %w", err)
	}
	routine := freshness.NewRoutine(freshness.Options{
		Store:        freshness.NewSnapshotStore(snapshots),
		Feed:         feed.New(cfg.Feed.BaseURL, cfg.Feed.Path, &http.Client{Transport: w}),
		Connectivity: monitor,
		Base:         cfg.Feed.BaseCurrency,
		TTLMinutes:   cfg.Feed.TTLMinutes,
		Logger:       logger,
		Metrics:      recorder,
	})
	return page.NewHost(page.Options{
		Feed:     routine,
		Monitor:  monitor,
		Messages: messages,
		Dial: func(context.Context) (control.Endpoint, error) {
			port, err := hub.Connect()
			if err != nil {
				return nil, err
			}
			return port, nil
		},
		AutoTakeOver:    cfg.Page.AutoTakeOver,
		RefreshInterval: cfg.Page.RefreshInterval(),
		Logger:          logger,
	}), nil
}

func redisConfig(cfg config.RedisConfig) cache.RedisConfig {
	return cache.RedisConfig{
		Address:   cfg.Address,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		Namespace: cfg.Namespace,
		TLS: cache.RedisTLSConfig{
			Enabled: cfg.TLS.Enabled,
			CAFile:  cfg.TLS.CAFile,
		},
	}
}

func buildCacheStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	var maxBytes int64
	if cfg.MaxBytes != "" {
		n, err := config.ParseBytes(cfg.MaxBytes)
		if err != nil {
			logger.Warn("ignoring invalid cache quota", slog.String("maxBytes", cfg.MaxBytes), slog.Any("error", err))
		} else {
			maxBytes = n
		}
	}
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory blob cache", slog.String("quota", quota(maxBytes)))
		return cache.NewMemory(maxBytes)
	case "leveldb":
		store, err := cache.OpenLevelDB(cfg.Path)
		if err != nil {
			logger.Error("leveldb cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(maxBytes)
		}
		logger.Info("using leveldb blob cache", slog.String("path", cfg.Path))
		return store
	case "redis":
		store, err := cache.NewRedis(redisConfig(cfg.Redis))
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(maxBytes)
		}
		logger.Info("using redis blob cache", slog.String("address", cfg.Redis.Address))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(maxBytes)
	}
}

func buildDurableStore(logger *slog.Logger, cfg config.DurableConfig) durable.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Warn("using memory durable store; snapshots will not survive restarts")
		return durable.NewMemory()
	case "leveldb":
		store, err := durable.OpenLevelDB(cfg.Path)
		if err != nil {
			logger.Error("leveldb durable store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory durable store")
			return durable.NewMemory()
		}
		logger.Info("using leveldb durable store", slog.String("path", cfg.Path))
		return store
	case "redis":
		store, err := durable.NewRedis(redisConfig(cfg.Redis))
		if err != nil {
			logger.Error("redis durable store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory durable store")
			return durable.NewMemory()
		}
		logger.Info("using redis durable store", slog.String("address", cfg.Redis.Address))
		return store
	default:
		logger.Warn("unsupported durable backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return durable.NewMemory()
	}
}

func quota(maxBytes int64) string {
	if maxBytes <= 0 {
		return "unbounded"
	}
	return humanize.IBytes(uint64(maxBytes))
}
