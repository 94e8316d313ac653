package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/contentgate/internal/access"
	"github.com/l0p7/contentgate/internal/access/breaker"
	"github.com/l0p7/contentgate/internal/access/cache"
	"github.com/l0p7/contentgate/internal/access/fetch"
	"github.com/l0p7/contentgate/internal/access/invoke"
	"github.com/l0p7/contentgate/internal/access/retry"
	"github.com/l0p7/contentgate/internal/config"
	"github.com/l0p7/contentgate/internal/faults"
	"github.com/l0p7/contentgate/internal/logging"
	"github.com/l0p7/contentgate/internal/metrics"
	"github.com/l0p7/contentgate/internal/server"
	"github.com/l0p7/contentgate/internal/templates"
	"github.com/l0p7/contentgate/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

type catalogWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchCatalog(ctx context.Context, cfg config.Config, onChange func(config.CatalogBundle), onError func(error)) (catalogWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchCatalog(ctx context.Context, cfg config.Config, onChange func(config.CatalogBundle), onError func(error)) (catalogWatcher, error) {
	w, err := l.Loader.WatchCatalog(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		var files []string
		if configFile != "" {
			files = append(files, configFile)
		}
		return fileLoader{config.NewLoader(envPrefix, files...)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg.Server.Listen, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CONTENTGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	for _, skip := range cfg.SkippedDefinitions {
		logger.Warn("catalog definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}

	app, err := buildApp(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := app.manager.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Catalog.File != "" {
		watcher, err := loader.WatchCatalog(ctx, cfg, func(bundle config.CatalogBundle) {
			app.reloadCatalog(bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("catalog watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("catalog watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, app.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

type app struct {
	manager *access.Manager
	handler http.Handler
	logger  *slog.Logger
}

// buildApp wires the access layer from configuration: upstream client, breaker
// and retry policy, cache tiers, fetcher, facade, and operational router.
func buildApp(cfg config.Config, logger *slog.Logger, registry *prometheus.Registry) (*app, error) {
	recorder := metrics.NewRecorder(registry)

	renderer := buildRenderer(logger, cfg.Server.Templates)
	client, err := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.URL,
		APIPath: cfg.Upstream.APIPath,
		Version: cfg.Upstream.Version,
		Timeout: cfg.Upstream.Timeout,
		Headers: cfg.Upstream.Headers,
	}, renderer, upstream.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Access.Retry.MaxRetries
	if d := cfg.Access.Retry.BaseDelay; d > 0 {
		policy.BaseDelay = d
	}
	if d := cfg.Access.Retry.MaxDelay; d > 0 {
		policy.MaxDelay = d
	}
	if d := cfg.Access.Retry.RateLimitDelay; d > 0 {
		policy.RateLimitDelay = d
	}

	invoker, err := invoke.New(invoke.Options{
		API: client,
		Breaker: breaker.New(breaker.Config{
			Name:             "upstream",
			FailureThreshold: cfg.Access.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Access.Breaker.ResetTimeout,
			IsFailure:        faults.IsUpstreamFault,
			IsAnswer:         faults.IsUpstreamAnswer,
			Logger:           logger,
			Observer:         invoke.BreakerObserver(recorder),
		}),
		Retry:   &policy,
		Metrics: recorder,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("invoker: %w", err)
	}

	resourceCache := fetch.NewCache(fetch.CacheOptions{
		MaxSize: cfg.Server.Cache.MaxSize,
		TTL:     cfg.Server.Cache.TTL,
		Shared:  buildSharedTier(logger, cfg.Server.Cache),
		Metrics: recorder,
		Logger:  logger,
	})
	fetcher, err := fetch.New(fetch.Options{
		Invoker:       invoker,
		Cache:         resourceCache,
		Namespace:     cfg.Access.Fetch.Namespace,
		DefaultLimit:  cfg.Access.Fetch.DefaultLimit,
		ItemTTL:       cfg.Access.Fetch.ItemTTL,
		CollectionTTL: cfg.Access.Fetch.CollectionTTL,
		Coalesce:      cfg.Access.Fetch.Coalesce,
		Logger:        logger,
	})
	if err != nil {
		_ = resourceCache.Close(context.Background())
		return nil, fmt.Errorf("fetcher: %w", err)
	}

	manager, err := access.New(access.Options{
		Invoker:          invoker,
		Fetcher:          fetcher,
		Metrics:          recorder,
		Logger:           logger,
		Catalog:          descriptors(cfg.Catalog),
		BatchConcurrency: cfg.Access.BatchConcurrency,
		PollInterval:     cfg.Access.Polling.Interval,
	})
	if err != nil {
		_ = resourceCache.Close(context.Background())
		return nil, fmt.Errorf("access manager: %w", err)
	}

	return &app{
		manager: manager,
		handler: server.NewHandler(manager, recorder.Handler(), logger),
		logger:  logger,
	}, nil
}

func (a *app) reloadCatalog(bundle config.CatalogBundle) {
	for _, skip := range bundle.Skipped {
		a.logger.Warn("catalog definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}
	if err := a.manager.ReplaceCatalog(descriptors(bundle.Entries)); err != nil {
		a.logger.Error("catalog reload rejected", slog.Any("error", err))
		return
	}
	a.logger.Info("catalog reloaded",
		slog.Int("resources", len(bundle.Entries)),
		slog.Any("sources", bundle.Sources),
	)
}

func descriptors(entries map[string]config.CatalogEntry) []access.Descriptor {
	out := make([]access.Descriptor, 0, len(entries))
	for name, entry := range entries {
		out = append(out, access.Descriptor{
			Type:        name,
			Description: entry.Description,
			Schema:      entry.Schema,
		})
	}
	return out
}

// buildRenderer prefers a folder-rooted sandbox and falls back to one that can
// only read the environment.
func buildRenderer(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Renderer {
	if folder := strings.TrimSpace(cfg.Folder); folder != "" {
		sandbox, err := templates.NewSandbox(folder, cfg.AllowEnv, cfg.AllowedEnv)
		if err == nil {
			return templates.NewRenderer(sandbox)
		}
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
	}
	return templates.NewRenderer(templates.NewEnvSandbox(cfg.AllowEnv, cfg.AllowedEnv))
}

// buildSharedTier returns nil for the memory backend. A redis backend that
// cannot be reached also yields nil so the process still serves from its local
// cache.
func buildSharedTier(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Shared {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory resource cache", slog.Int("max_size", cfg.MaxSize), slog.Duration("ttl", cfg.TTL))
		}
		return nil
	case "redis":
		shared, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return nil
		}
		if logger != nil {
			logger.Info("using redis shared cache", slog.String("address", cfg.Redis.Address))
		}
		return shared
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return nil
	}
}
