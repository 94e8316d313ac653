package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	configDir := filepath.Join(wd, "..", "..", "examples", "configs")

	t.Setenv("CONTENTGATE_SERVER__CATALOG__FILE", filepath.Join(configDir, "catalog.yaml"))
	loader := NewLoader("CONTENTGATE", filepath.Join(configDir, "contentgate.yaml"))
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, "https://blog.example.com", cfg.Upstream.URL)
	require.Equal(t, 10*time.Second, cfg.Upstream.Timeout)
	require.Contains(t, cfg.Upstream.Headers, "Authorization")
	require.Equal(t, []string{"GHOST_ADMIN_TOKEN"}, cfg.Server.Templates.AllowedEnv)
	require.Equal(t, 500, cfg.Server.Cache.MaxSize)
	require.True(t, cfg.Access.Fetch.Coalesce)
	require.Equal(t, 30*time.Second, cfg.Access.Polling.Interval)

	require.ElementsMatch(t, []string{"site", "posts", "tags", "members"}, keys(cfg.Catalog))
	require.Equal(t, "string", cfg.Catalog["posts"].Schema["title"])
	require.Equal(t, []string{filepath.Join(configDir, "catalog.yaml"), inlineSourceName}, cfg.CatalogSources)
	require.Empty(t, cfg.SkippedDefinitions)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
