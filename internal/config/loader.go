package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader layers defaults, config files, and environment overrides, in that
// order of increasing precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader reads files in order; later files override earlier ones. Env
// variables use envPrefix followed by "_", with "__" between nesting levels.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load returns the validated configuration with the catalog resolved from the
// inline section and the catalog file.
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
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.templates.allowenv":       "server.templates.allowEnv",
			"server.templates.allowedenv":     "server.templates.allowedEnv",
			"server.cache.maxsize":            "server.cache.maxSize",
			"server.cache.keyprefix":          "server.cache.keyPrefix",
			"server.cache.redis.tls.cafile":   "server.cache.redis.tls.caFile",
			"upstream.apipath":                "upstream.apiPath",
			"access.breaker.failurethreshold": "access.breaker.failureThreshold",
			"access.breaker.resettimeout":     "access.breaker.resetTimeout",
			"access.retry.maxretries":         "access.retry.maxRetries",
			"access.retry.basedelay":          "access.retry.baseDelay",
			"access.retry.maxdelay":           "access.retry.maxDelay",
			"access.retry.ratelimitdelay":     "access.retry.rateLimitDelay",
			"access.fetch.defaultlimit":       "access.fetch.defaultLimit",
			"access.fetch.itemttl":            "access.fetch.itemTTL",
			"access.fetch.collectionttl":      "access.fetch.collectionTTL",
			"access.batchconcurrency":         "access.batchConcurrency",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
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
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineCatalog = cloneCatalog(cfg.Catalog)

	bundle, err := buildCatalogBundle(ctx, cfg.InlineCatalog, cfg.Server.Catalog)
	if err != nil {
		return Config{}, err
	}
	cfg.Catalog = bundle.Entries
	cfg.CatalogSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
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
			"catalog": map[string]any{
				"file": cfg.Server.Catalog.File,
			},
			"templates": map[string]any{
				"folder":     cfg.Server.Templates.Folder,
				"allowEnv":   cfg.Server.Templates.AllowEnv,
				"allowedEnv": cfg.Server.Templates.AllowedEnv,
			},
			"cache": map[string]any{
				"backend":   cfg.Server.Cache.Backend,
				"maxSize":   cfg.Server.Cache.MaxSize,
				"ttl":       cfg.Server.Cache.TTL.String(),
				"keyPrefix": cfg.Server.Cache.KeyPrefix,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"upstream": map[string]any{
			"url":     cfg.Upstream.URL,
			"apiPath": cfg.Upstream.APIPath,
			"version": cfg.Upstream.Version,
			"timeout": cfg.Upstream.Timeout.String(),
		},
		"access": map[string]any{
			"breaker": map[string]any{
				"failureThreshold": cfg.Access.Breaker.FailureThreshold,
				"resetTimeout":     cfg.Access.Breaker.ResetTimeout.String(),
			},
			"retry": map[string]any{
				"maxRetries":     cfg.Access.Retry.MaxRetries,
				"baseDelay":      cfg.Access.Retry.BaseDelay.String(),
				"maxDelay":       cfg.Access.Retry.MaxDelay.String(),
				"rateLimitDelay": cfg.Access.Retry.RateLimitDelay.String(),
			},
			"fetch": map[string]any{
				"namespace":     cfg.Access.Fetch.Namespace,
				"defaultLimit":  cfg.Access.Fetch.DefaultLimit,
				"itemTTL":       cfg.Access.Fetch.ItemTTL.String(),
				"collectionTTL": cfg.Access.Fetch.CollectionTTL.String(),
				"coalesce":      cfg.Access.Fetch.Coalesce,
			},
			"polling": map[string]any{
				"interval": cfg.Access.Polling.Interval.String(),
			},
			"batchConcurrency": cfg.Access.BatchConcurrency,
		},
	}
}
