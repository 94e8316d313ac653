package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/contentgate/internal/faults"
)

// Config holds every server-level option plus the resource catalog once it is
// loaded.
type Config struct {
	Server   ServerConfig            `koanf:"server"`
	Upstream UpstreamConfig          `koanf:"upstream"`
	Access   AccessConfig            `koanf:"access"`
	Catalog  map[string]CatalogEntry `koanf:"catalog"`

	InlineCatalog map[string]CatalogEntry `koanf:"-"`

	// CatalogSources records which files contributed catalog entries.
	CatalogSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or invalid catalog entries the
	// loader dropped.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects process-level knobs.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Catalog   CatalogConfig     `koanf:"catalog"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
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

// CatalogConfig points at an optional catalog file (.yaml, .yml, .json, .toml).
type CatalogConfig struct {
	File string `koanf:"file"`
}

// TemplatesConfig captures the template sandbox used for upstream headers.
type TemplatesConfig struct {
	Folder     string   `koanf:"folder"`
	AllowEnv   bool     `koanf:"allowEnv"`
	AllowedEnv []string `koanf:"allowedEnv"`
}

type ServerCacheConfig struct {
	Backend   string                 `koanf:"backend"`
	MaxSize   int                    `koanf:"maxSize"`
	TTL       time.Duration          `koanf:"ttl"`
	KeyPrefix string                 `koanf:"keyPrefix"`
	Redis     ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamConfig locates the content API. Header values are templates.
type UpstreamConfig struct {
	URL     string            `koanf:"url"`
	APIPath string            `koanf:"apiPath"`
	Version string            `koanf:"version"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

// AccessConfig tunes the resilience and caching layer.
type AccessConfig struct {
	Breaker          BreakerConfig `koanf:"breaker"`
	Retry            RetryConfig   `koanf:"retry"`
	Fetch            FetchConfig   `koanf:"fetch"`
	Polling          PollingConfig `koanf:"polling"`
	BatchConcurrency int           `koanf:"batchConcurrency"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failureThreshold"`
	ResetTimeout     time.Duration `koanf:"resetTimeout"`
}

type RetryConfig struct {
	MaxRetries     int           `koanf:"maxRetries"`
	BaseDelay      time.Duration `koanf:"baseDelay"`
	MaxDelay       time.Duration `koanf:"maxDelay"`
	RateLimitDelay time.Duration `koanf:"rateLimitDelay"`
}

type FetchConfig struct {
	Namespace     string        `koanf:"namespace"`
	DefaultLimit  int           `koanf:"defaultLimit"`
	ItemTTL       time.Duration `koanf:"itemTTL"`
	CollectionTTL time.Duration `koanf:"collectionTTL"`
	Coalesce      bool          `koanf:"coalesce"`
}

type PollingConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// CatalogEntry documents one resource type for discovery.
type CatalogEntry struct {
	Description string         `koanf:"description"`
	Schema      map[string]any `koanf:"schema"`
}

// DefinitionSkip describes a catalog entry the loader ignored because it
// violated invariants, such as the same type defined in two sources.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic. Absent required keys are reported together as a
// faults.ConfigurationError.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	var missing []string
	if strings.TrimSpace(c.Upstream.URL) == "" {
		missing = append(missing, "upstream.url")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	if backend == "redis" && strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
		missing = append(missing, "server.cache.redis.address")
	}
	if len(missing) > 0 {
		return &faults.ConfigurationError{MissingKeys: missing}
	}

	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if c.Server.Cache.MaxSize < 0 {
		return fmt.Errorf("config: server.cache.maxSize invalid: %d", c.Server.Cache.MaxSize)
	}
	if c.Server.Cache.TTL < 0 {
		return fmt.Errorf("config: server.cache.ttl invalid: %s", c.Server.Cache.TTL)
	}
	parsed, err := url.Parse(c.Upstream.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("config: upstream.url must be an absolute http(s) URL: %q", c.Upstream.URL)
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("config: upstream.timeout invalid: %s", c.Upstream.Timeout)
	}
	if c.Access.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("config: access.breaker.failureThreshold invalid: %d", c.Access.Breaker.FailureThreshold)
	}
	if c.Access.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: access.retry.maxRetries invalid: %d", c.Access.Retry.MaxRetries)
	}
	if c.Access.Retry.MaxDelay > 0 && c.Access.Retry.BaseDelay > c.Access.Retry.MaxDelay {
		return errors.New("config: access.retry.baseDelay exceeds maxDelay")
	}
	if c.Access.Fetch.DefaultLimit < 0 {
		return fmt.Errorf("config: access.fetch.defaultLimit invalid: %d", c.Access.Fetch.DefaultLimit)
	}
	for name := range c.Upstream.Headers {
		if strings.TrimSpace(name) == "" {
			return errors.New("config: upstream.headers contains an empty header name")
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
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
			Templates: TemplatesConfig{
				Folder: "./templates",
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				MaxSize:   100,
				TTL:       5 * time.Minute,
				KeyPrefix: "contentgate:",
			},
		},
		Upstream: UpstreamConfig{
			APIPath: "/ghost/api/admin",
			Version: "v5.0",
			Timeout: 10 * time.Second,
		},
		Access: AccessConfig{
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     time.Minute,
			},
			Retry: RetryConfig{
				MaxRetries:     3,
				BaseDelay:      time.Second,
				MaxDelay:       30 * time.Second,
				RateLimitDelay: 5 * time.Second,
			},
			Fetch: FetchConfig{
				Namespace:     "ghost",
				DefaultLimit:  15,
				ItemTTL:       5 * time.Minute,
				CollectionTTL: time.Minute,
			},
			Polling: PollingConfig{
				Interval: 30 * time.Second,
			},
			BatchConcurrency: 8,
		},
	}
}
