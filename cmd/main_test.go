package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/contentgate/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildSharedTier(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(t *testing.T) config.ServerCacheConfig
		wantNil bool
	}{
		{
			name: "memory has no shared tier",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "memory", MaxSize: 10, TTL: time.Minute}
			},
			wantNil: true,
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "memcached"}
			},
			wantNil: true,
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{
					Backend: "redis",
					Redis:   config.ServerRedisCacheConfig{Address: "127.0.0.1:1"},
				}
			},
			wantNil: true,
		},
		{
			name: "constructs redis tier",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.ServerCacheConfig{
					Backend:   "redis",
					KeyPrefix: "test:",
					Redis:     config.ServerRedisCacheConfig{Address: server.Addr()},
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			shared := buildSharedTier(newTestLogger(), tc.cfg(t))
			if tc.wantNil {
				require.Nil(t, shared)
				return
			}
			require.NotNil(t, shared)
			t.Cleanup(func() { require.NoError(t, shared.Close(context.Background())) })

			ctx := context.Background()
			require.NoError(t, shared.Store(ctx, "ghost/post/1", []byte(`{"id":"1"}`), time.Minute))
			payload, ok, err := shared.Lookup(ctx, "ghost/post/1")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"id":"1"}`, string(payload))
		})
	}
}

func newGhostStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ghost/api/admin/site/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"site":{"title":"Example","version":"5.0"}}`)
	})
	mux.HandleFunc("GET /ghost/api/admin/posts/1/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"posts":[{"id":"1","title":"Hello"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(upstreamURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Upstream.URL = upstreamURL
	cfg.Server.Templates.Folder = ""
	cfg.Access.Retry.MaxRetries = 0
	cfg.Catalog = map[string]config.CatalogEntry{"posts": {Description: "Articles"}}
	return cfg
}

func TestBuildAppServesOperationalEndpoints(t *testing.T) {
	ghost := newGhostStub(t)
	a, err := buildApp(testConfig(ghost.URL), newTestLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.manager.Close(context.Background())) })

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)
	e := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})

	health := e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	health.Value("status").IsEqual("healthy")
	health.Value("site").Object().Value("title").IsEqual("Example")
	health.Value("circuitBreaker").Object().Value("state").IsEqual("CLOSED")

	result, err := a.manager.FetchResource(context.Background(), "ghost/post/1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "1", "title": "Hello"}, result.Value())

	e.GET("/cache").Expect().Status(http.StatusOK).JSON().Object().
		Value("keys").Array().ConsistsOf("ghost/post/1")
	e.GET("/catalog").Expect().Status(http.StatusOK).JSON().Object().
		Value("resources").Array().Value(0).Object().Value("type").IsEqual("posts")
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("contentgate_upstream_calls_total")
}

func TestBuildAppRejectsInvalidUpstream(t *testing.T) {
	cfg := testConfig("ftp://ghost")
	_, err := buildApp(cfg, newTestLogger(), prometheus.NewRegistry())
	require.ErrorContains(t, err, "upstream client")
}

func TestReloadCatalogKeepsPreviousOnInvalidBundle(t *testing.T) {
	ghost := newGhostStub(t)
	a, err := buildApp(testConfig(ghost.URL), newTestLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.manager.Close(context.Background())) })

	a.reloadCatalog(config.CatalogBundle{Entries: map[string]config.CatalogEntry{
		"tags":  {Description: "Taxonomy"},
		"pages": {Description: "Static pages"},
	}})
	resources := a.manager.ListResources()
	require.Len(t, resources, 2)
	require.Equal(t, "pages", resources[0].Type)

	a.reloadCatalog(config.CatalogBundle{Entries: map[string]config.CatalogEntry{" ": {}}})
	require.Len(t, a.manager.ListResources(), 2)
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "CONTENTGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig("http://127.0.0.1:1")}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "CONTENTGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig("http://127.0.0.1:1")}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "CONTENTGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunStopsCatalogWatcher(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Server.Catalog.File = "/etc/contentgate/catalog.yaml"
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "CONTENTGATE", ""))
	require.True(t, loader.watchSeen)
	require.True(t, stopped)
}

func TestRunSurvivesWatcherSetupFailure(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Server.Catalog.File = "/etc/contentgate/catalog.yaml"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg, watchErr: errors.New("no inotify")}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "CONTENTGATE", ""))
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchCatalog(context.Context, config.Config, func(config.CatalogBundle), func(error)) (catalogWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
