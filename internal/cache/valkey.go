package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisTLSConfig enables TLS towards valkey, optionally with a private CA.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig describes a valkey connection and the key namespace to use.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// DialValkey connects to a Redis-compatible server and verifies it with PING.
func DialValkey(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return client, nil
}

// valkeyStore keeps one hash per partition plus a set indexing partition names.
type valkeyStore struct {
	client    valkey.Client
	namespace string
}

// NewRedis dials cfg and returns a store sharing partitions with every other
// process pointed at the same namespace.
func NewRedis(cfg RedisConfig) (Store, error) {
	client, err := DialValkey(cfg)
	if err != nil {
		return nil, err
	}
	return NewValkey(client, cfg.Namespace), nil
}

// NewValkey wraps an existing client. The store owns the client and closes it.
func NewValkey(client valkey.Client, namespace string) Store {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "fxoffline"
	}
	return &valkeyStore{client: client, namespace: namespace}
}

func (s *valkeyStore) indexKey() string {
	return s.namespace + ":partitions"
}

func (s *valkeyStore) partitionKey(name string) string {
	return s.namespace + ":part:" + name
}

func (s *valkeyStore) Get(ctx context.Context, partition, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(s.partitionKey(partition)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *valkeyStore) Put(ctx context.Context, partition, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmds := valkey.Commands{
		s.client.B().Sadd().Key(s.indexKey()).Member(partition).Build(),
		s.client.B().Hset().Key(s.partitionKey(partition)).FieldValue().FieldValue(key, string(payload)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis put: %w", err)
		}
	}
	return nil
}

func (s *valkeyStore) Delete(ctx context.Context, partition, key string) error {
	if err := s.client.Do(ctx, s.client.B().Hdel().Key(s.partitionKey(partition)).Field(key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis hdel: %w", err)
	}
	return nil
}

func (s *valkeyStore) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := s.client.Do(ctx, s.client.B().Hkeys().Key(s.partitionKey(partition)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *valkeyStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *valkeyStore) DropPartition(ctx context.Context, name string) (bool, error) {
	cmds := valkey.Commands{
		s.client.B().Srem().Key(s.indexKey()).Member(name).Build(),
		s.client.B().Del().Key(s.partitionKey(name)).Build(),
	}
	resps := s.client.DoMulti(ctx, cmds...)
	removed, err := resps[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis srem: %w", err)
	}
	if err := resps[1].Error(); err != nil {
		return false, fmt.Errorf("cache: redis del: %w", err)
	}
	return removed > 0, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
