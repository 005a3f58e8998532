package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the worker, the page session, and their shared
// storage need at process start.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Worker       WorkerConfig       `koanf:"worker"`
	Feed         FeedConfig         `koanf:"feed"`
	Durable      DurableConfig      `koanf:"durable"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Page         PageConfig         `koanf:"page"`
}

// ServerConfig collects the listener, logging, origin, and blob cache knobs.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Origin  string            `koanf:"origin"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerCacheConfig selects the blob cache backend holding tier partitions.
type ServerCacheConfig struct {
	Backend  string      `koanf:"backend"`
	MaxBytes string      `koanf:"maxBytes"`
	Path     string      `koanf:"path"`
	Redis    RedisConfig `koanf:"redis"`
}

// RedisConfig is the valkey connection shared by the cache and durable backends.
type RedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

// RedisTLSConfig toggles TLS for a valkey connection.
type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// WorkerConfig describes one deployable worker generation.
type WorkerConfig struct {
	Version               string       `koanf:"version"`
	ManifestFile          string       `koanf:"manifestFile"`
	SkipWaiting           bool         `koanf:"skipWaiting"`
	NetworkTimeoutSeconds int          `koanf:"networkTimeoutSeconds"`
	FetchTimeoutSeconds   int          `koanf:"fetchTimeoutSeconds"`
	RevalidateConcurrency int          `koanf:"revalidateConcurrency"`
	Shell                 ShellConfig  `koanf:"shell"`
	Tiers                 []TierConfig `koanf:"tiers"`
}

// ShellConfig names the precache partition and the essential resources it holds.
type ShellConfig struct {
	Name      string   `koanf:"name"`
	Resources []string `koanf:"resources"`
}

// TierConfig declares one cache tier. Match is a CEL expression evaluated
// against the request descriptor; order in the list is match order.
type TierConfig struct {
	Name           string `koanf:"name"`
	Match          string `koanf:"match"`
	Policy         string `koanf:"policy"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	StampFetchedAt bool   `koanf:"stampFetchedAt"`
}

// FeedConfig locates the TTL-governed remote feed.
type FeedConfig struct {
	BaseURL      string `koanf:"baseURL"`
	Path         string `koanf:"path"`
	BaseCurrency string `koanf:"baseCurrency"`
	TTLMinutes   int    `koanf:"ttlMinutes"`
}

// DurableConfig selects the store holding the last-known-good snapshot.
type DurableConfig struct {
	Backend string      `koanf:"backend"`
	Path    string      `koanf:"path"`
	Redis   RedisConfig `koanf:"redis"`
}

// ConnectivityConfig tunes the reachability probe.
type ConnectivityConfig struct {
	ProbePath           string `koanf:"probePath"`
	ProbeTimeoutSeconds int    `koanf:"probeTimeoutSeconds"`
	IntervalSeconds     int    `koanf:"intervalSeconds"`
}

// PageConfig drives the in-process page session.
type PageConfig struct {
	Enabled                bool           `koanf:"enabled"`
	AutoTakeOver           bool           `koanf:"autoTakeOver"`
	RefreshIntervalSeconds int            `koanf:"refreshIntervalSeconds"`
	Messages               MessagesConfig `koanf:"messages"`
}

// MessagesConfig holds the user-facing status templates.
type MessagesConfig struct {
	Stale         string `koanf:"stale"`
	NoData        string `koanf:"noData"`
	DeviceOffline string `koanf:"deviceOffline"`
	OriginDown    string `koanf:"originDown"`
}

const (
	PolicyNetworkFirst         = "network-first"
	PolicyStaleWhileRevalidate = "stale-while-revalidate"
	PolicyCacheFirst           = "cache-first"
)

// NetworkTimeout is the default network-first timeout.
func (w WorkerConfig) NetworkTimeout() time.Duration {
	return time.Duration(w.NetworkTimeoutSeconds) * time.Second
}

// FetchTimeout bounds every remote fetch the worker issues on its own behalf.
func (w WorkerConfig) FetchTimeout() time.Duration {
	return time.Duration(w.FetchTimeoutSeconds) * time.Second
}

// Timeout returns the tier timeout, falling back to the worker default.
func (t TierConfig) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return fallback
}

// ProbeTimeout bounds a single probe.
func (c ConnectivityConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// Interval is the pause between periodic probes.
func (c ConnectivityConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RefreshInterval is the periodic feed refresh; zero disables it.
func (p PageConfig) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	origin := strings.TrimSpace(c.Server.Origin)
	if origin == "" {
		return errors.New("config: server.origin required")
	}
	if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: server.origin invalid: %s", c.Server.Origin)
	}
	if err := validateBackend("server.cache", c.Server.Cache.Backend, c.Server.Cache.Path, c.Server.Cache.Redis); err != nil {
		return err
	}
	if c.Server.Cache.MaxBytes != "" {
		if _, err := ParseBytes(c.Server.Cache.MaxBytes); err != nil {
			return fmt.Errorf("config: server.cache.maxBytes invalid: %w", err)
		}
	}
	if err := validateBackend("durable", c.Durable.Backend, c.Durable.Path, c.Durable.Redis); err != nil {
		return err
	}
	if strings.TrimSpace(c.Worker.Version) == "" {
		return errors.New("config: worker.version required")
	}
	if c.Worker.NetworkTimeoutSeconds < 0 {
		return fmt.Errorf("config: worker.networkTimeoutSeconds invalid: %d", c.Worker.NetworkTimeoutSeconds)
	}
	if c.Worker.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("config: worker.fetchTimeoutSeconds invalid: %d", c.Worker.FetchTimeoutSeconds)
	}
	if c.Worker.RevalidateConcurrency < 0 {
		return fmt.Errorf("config: worker.revalidateConcurrency invalid: %d", c.Worker.RevalidateConcurrency)
	}
	if strings.TrimSpace(c.Worker.Shell.Name) == "" {
		return errors.New("config: worker.shell.name required")
	}
	if err := validateTiers(c.Worker.Tiers, c.Worker.Shell.Name); err != nil {
		return err
	}
	if _, err := url.Parse(c.Feed.BaseURL); err != nil || strings.TrimSpace(c.Feed.BaseURL) == "" {
		return fmt.Errorf("config: feed.baseURL invalid: %s", c.Feed.BaseURL)
	}
	if strings.TrimSpace(c.Feed.BaseCurrency) == "" {
		return errors.New("config: feed.baseCurrency required")
	}
	if c.Feed.TTLMinutes < 1 {
		return fmt.Errorf("config: feed.ttlMinutes invalid: %d", c.Feed.TTLMinutes)
	}
	if c.Connectivity.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("config: connectivity.probeTimeoutSeconds invalid: %d", c.Connectivity.ProbeTimeoutSeconds)
	}
	if c.Connectivity.IntervalSeconds <= 0 {
		return fmt.Errorf("config: connectivity.intervalSeconds invalid: %d", c.Connectivity.IntervalSeconds)
	}
	if c.Page.RefreshIntervalSeconds < 0 {
		return fmt.Errorf("config: page.refreshIntervalSeconds invalid: %d", c.Page.RefreshIntervalSeconds)
	}
	return nil
}

func validateBackend(section, backend, path string, redis RedisConfig) error {
	switch strings.TrimSpace(strings.ToLower(backend)) {
	case "", "memory":
	case "leveldb":
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("config: %s.path required for leveldb backend", section)
		}
	case "redis":
		if strings.TrimSpace(redis.Address) == "" {
			return fmt.Errorf("config: %s.redis.address required for redis backend", section)
		}
	default:
		return fmt.Errorf("config: %s.backend unsupported: %s", section, backend)
	}
	return nil
}

func validateTiers(tiers []TierConfig, shell string) error {
	if len(tiers) == 0 {
		return errors.New("config: worker.tiers requires at least one tier")
	}
	seen := map[string]struct{}{shell: {}}
	for i, tier := range tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return fmt.Errorf("config: worker.tiers[%d].name required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: worker.tiers[%d].name duplicated: %s", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(tier.Match) == "" {
			return fmt.Errorf("config: worker.tiers[%d].match required", i)
		}
		switch tier.Policy {
		case PolicyNetworkFirst, PolicyStaleWhileRevalidate, PolicyCacheFirst:
		default:
			return fmt.Errorf("config: worker.tiers[%d].policy unsupported: %s", i, tier.Policy)
		}
		if tier.TimeoutSeconds < 0 {
			return fmt.Errorf("config: worker.tiers[%d].timeoutSeconds invalid: %d", i, tier.TimeoutSeconds)
		}
	}
	return nil
}

// DefaultTiers lists the built-in tier table. Specific predicates (API path,
// feed origin) come before the destination-based ones.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:           "api",
			Match:          `request.path.startsWith("/api/") || request.accept.contains("application/json") || request.host == feed.host`,
			Policy:         PolicyNetworkFirst,
			TimeoutSeconds: 3,
			StampFetchedAt: true,
		},
		{
			Name:           "pages",
			Match:          `request.mode == "navigate" || request.destination == "document"`,
			Policy:         PolicyNetworkFirst,
			TimeoutSeconds: 3,
		},
		{
			Name:   "assets",
			Match:  `request.destination in ["script", "style", "worker"]`,
			Policy: PolicyStaleWhileRevalidate,
		},
		{
			Name:   "images",
			Match:  `request.destination == "image"`,
			Policy: PolicyCacheFirst,
		},
	}
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Origin: "http://127.0.0.1:3000",
			Cache: ServerCacheConfig{
				Backend: "memory",
				Path:    "./data/cache",
			},
		},
		Worker: WorkerConfig{
			Version:               "v4",
			NetworkTimeoutSeconds: 3,
			FetchTimeoutSeconds:   30,
			RevalidateConcurrency: 32,
			Shell: ShellConfig{
				Name:      "shell",
				Resources: []string{"/", "/manifest.json"},
			},
			Tiers: DefaultTiers(),
		},
		Feed: FeedConfig{
			BaseURL:      "https://api.exchangerate-api.com/v4",
			Path:         "/latest",
			BaseCurrency: "USD",
			TTLMinutes:   45,
		},
		Durable: DurableConfig{
			Backend: "leveldb",
			Path:    "./data/durable",
		},
		Connectivity: ConnectivityConfig{
			ProbePath:           "/manifest.json",
			ProbeTimeoutSeconds: 3,
			IntervalSeconds:     30,
		},
		Page: PageConfig{
			Enabled:                true,
			AutoTakeOver:           true,
			RefreshIntervalSeconds: 300,
			Messages: MessagesConfig{
				Stale:         "Using cached rates. Connect to update.",
				NoData:        "No cached rates. Connect at least once.",
				DeviceOffline: "You are offline. Showing rates from {{ .FetchedAt | date \"2006-01-02 15:04\" }}.",
				OriginDown:    "Server unreachable. Showing rates from {{ .FetchedAt | date \"2006-01-02 15:04\" }}.",
			},
		},
	}
}
