package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// Shared is a cache tier reachable by every replica. Payloads are opaque bytes
// so the tier stays independent of the value type.
type Shared interface {
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// Delete removes the given keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// DeleteMatching removes keys containing pattern; an empty pattern removes
	// every key under the tier's prefix.
	DeleteMatching(ctx context.Context, pattern string) (int, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

type redisTier struct {
	client valkey.Client
	prefix string
}

// NewRedis connects to a valkey or redis server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Shared, error) {
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
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
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

	return &redisTier{client: client, prefix: cfg.KeyPrefix}, nil
}

func (c *redisTier) key(k string) string { return c.prefix + k }

func (c *redisTier) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	return payload, true, nil
}

func (c *redisTier) Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache: redis entry ttl required")
	}
	cmd := c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.client.Do(ctx, c.client.B().Del().Key(prefixed...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (c *redisTier) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	match := globEscape(c.prefix) + "*"
	if pattern != "" {
		match = globEscape(c.prefix) + "*" + globEscape(pattern) + "*"
	}
	removed := 0
	var cursor uint64
	for {
		resp := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(match).Count(256).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("cache: redis scan: %w", err)
		}
		keys := entry.Elements
		if len(keys) > 0 {
			n, err := c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).AsInt64()
			if err != nil {
				return removed, fmt.Errorf("cache: redis del: %w", err)
			}
			removed += int(n)
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (c *redisTier) Size(ctx context.Context) (int64, error) {
	resp := c.client.Do(ctx, c.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis dbsize: %w", err)
	}
	return size, nil
}

func (c *redisTier) Close(context.Context) error {
	c.client.Close()
	return nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
