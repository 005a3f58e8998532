package durable

import (
	"context"
	"fmt"
	"strings"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/fxoffline/internal/cache"
)

type valkeyStore struct {
	client    valkey.Client
	namespace string
}

// NewRedis dials cfg; keys are stored as <namespace>:kv:<key>.
func NewRedis(cfg cache.RedisConfig) (Store, error) {
	client, err := cache.DialValkey(cfg)
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

func (s *valkeyStore) key(k string) string {
	return s.namespace + ":kv:" + k
}

func (s *valkeyStore) GetMany(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	msgs, err := s.client.Do(ctx, s.client.B().Mget().Key(full...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("durable: redis mget: %w", err)
	}
	for i, msg := range msgs {
		if i >= len(keys) || msg.IsNil() {
			continue
		}
		v, err := msg.AsBytes()
		if err != nil {
			return nil, fmt.Errorf("durable: redis mget %s: %w", keys[i], err)
		}
		out[keys[i]] = v
	}
	return out, nil
}

func (s *valkeyStore) PutMany(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	cmd := s.client.B().Mset().KeyValue()
	for k, v := range values {
		cmd = cmd.KeyValue(s.key(k), string(v))
	}
	if err := s.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return fmt.Errorf("durable: redis mset: %w", err)
	}
	return nil
}

func (s *valkeyStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(full...).Build()).Error(); err != nil {
		return fmt.Errorf("durable: redis del: %w", err)
	}
	return nil
}

func (s *valkeyStore) Close() error {
	s.client.Close()
	return nil
}
