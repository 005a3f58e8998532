package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores camelCase segments that the env transform lowercases.
var canonicalKeys = map[string]string{
	"server.cache.maxbytes":            "server.cache.maxBytes",
	"server.cache.redis.tls.cafile":    "server.cache.redis.tls.caFile",
	"durable.redis.tls.cafile":         "durable.redis.tls.caFile",
	"worker.manifestfile":              "worker.manifestFile",
	"worker.skipwaiting":               "worker.skipWaiting",
	"worker.networktimeoutseconds":     "worker.networkTimeoutSeconds",
	"worker.fetchtimeoutseconds":       "worker.fetchTimeoutSeconds",
	"worker.revalidateconcurrency":     "worker.revalidateConcurrency",
	"feed.baseurl":                     "feed.baseURL",
	"feed.basecurrency":                "feed.baseCurrency",
	"feed.ttlminutes":                  "feed.ttlMinutes",
	"connectivity.probepath":           "connectivity.probePath",
	"connectivity.probetimeoutseconds": "connectivity.probeTimeoutSeconds",
	"connectivity.intervalseconds":     "connectivity.intervalSeconds",
	"page.autotakeover":                "page.autoTakeOver",
	"page.refreshintervalseconds":      "page.refreshIntervalSeconds",
	"page.messages.nodata":             "page.messages.noData",
	"page.messages.deviceoffline":      "page.messages.deviceOffline",
	"page.messages.origindown":         "page.messages.originDown",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (FXOFFLINE_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Server.Origin = strings.TrimRight(strings.TrimSpace(cfg.Server.Origin), "/")
	cfg.Feed.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Feed.BaseURL), "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	tiers := make([]any, 0, len(cfg.Worker.Tiers))
	for _, t := range cfg.Worker.Tiers {
		tiers = append(tiers, map[string]any{
			"name":           t.Name,
			"match":          t.Match,
			"policy":         t.Policy,
			"timeoutSeconds": t.TimeoutSeconds,
			"stampFetchedAt": t.StampFetchedAt,
		})
	}
	resources := make([]any, 0, len(cfg.Worker.Shell.Resources))
	for _, r := range cfg.Worker.Shell.Resources {
		resources = append(resources, r)
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"origin": cfg.Server.Origin,
			"cache": map[string]any{
				"backend":  cfg.Server.Cache.Backend,
				"maxBytes": cfg.Server.Cache.MaxBytes,
				"path":     cfg.Server.Cache.Path,
				"redis":    redisToMap(cfg.Server.Cache.Redis),
			},
		},
		"worker": map[string]any{
			"version":               cfg.Worker.Version,
			"manifestFile":          cfg.Worker.ManifestFile,
			"skipWaiting":           cfg.Worker.SkipWaiting,
			"networkTimeoutSeconds": cfg.Worker.NetworkTimeoutSeconds,
			"fetchTimeoutSeconds":   cfg.Worker.FetchTimeoutSeconds,
			"revalidateConcurrency": cfg.Worker.RevalidateConcurrency,
			"shell": map[string]any{
				"name":      cfg.Worker.Shell.Name,
				"resources": resources,
			},
			"tiers": tiers,
		},
		"feed": map[string]any{
			"baseURL":      cfg.Feed.BaseURL,
			"path":         cfg.Feed.Path,
			"baseCurrency": cfg.Feed.BaseCurrency,
			"ttlMinutes":   cfg.Feed.TTLMinutes,
		},
		"durable": map[string]any{
			"backend": cfg.Durable.Backend,
			"path":    cfg.Durable.Path,
			"redis":   redisToMap(cfg.Durable.Redis),
		},
		"connectivity": map[string]any{
			"probePath":           cfg.Connectivity.ProbePath,
			"probeTimeoutSeconds": cfg.Connectivity.ProbeTimeoutSeconds,
			"intervalSeconds":     cfg.Connectivity.IntervalSeconds,
		},
		"page": map[string]any{
			"enabled":                cfg.Page.Enabled,
			"autoTakeOver":           cfg.Page.AutoTakeOver,
			"refreshIntervalSeconds": cfg.Page.RefreshIntervalSeconds,
			"messages": map[string]any{
				"stale":         cfg.Page.Messages.Stale,
				"noData":        cfg.Page.Messages.NoData,
				"deviceOffline": cfg.Page.Messages.DeviceOffline,
				"originDown":    cfg.Page.Messages.OriginDown,
			},
		},
	}
}

func redisToMap(cfg RedisConfig) map[string]any {
	return map[string]any{
		"address":   cfg.Address,
		"username":  cfg.Username,
		"password":  cfg.Password,
		"db":        cfg.DB,
		"namespace": cfg.Namespace,
		"tls": map[string]any{
			"enabled": cfg.TLS.Enabled,
			"caFile":  cfg.TLS.CAFile,
		},
	}
}
