package templates

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererEnvHonoursSandbox(t *testing.T) {
	t.Setenv("GHOST_ADMIN_TOKEN", "secret")
	t.Setenv("HOME_SECRET", "hidden")

	tests := []struct {
		name     string
		renderer *Renderer
		source   string
		want     string
	}{
		{
			name:     "allow-listed variable",
			renderer: NewRenderer(NewEnvSandbox(true, []string{"GHOST_ADMIN_TOKEN"})),
			source:   `Ghost {{ env "GHOST_ADMIN_TOKEN" }}{{ env "HOME_SECRET" }}`,
			want:     "Ghost secret",
		},
		{
			name:     "expandenv sees the same allow list",
			renderer: NewRenderer(NewEnvSandbox(true, []string{"GHOST_ADMIN_TOKEN"})),
			source:   `{{ expandenv "$GHOST_ADMIN_TOKEN/$HOME_SECRET" }}`,
			want:     "secret/",
		},
		{
			name:     "env access disabled",
			renderer: NewRenderer(NewEnvSandbox(false, []string{"GHOST_ADMIN_TOKEN"})),
			source:   `[{{ env "GHOST_ADMIN_TOKEN" }}]`,
			want:     "[]",
		},
		{
			name:     "nil sandbox",
			renderer: NewRenderer(nil),
			source:   `[{{ env "GHOST_ADMIN_TOKEN" }}]`,
			want:     "[]",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := tc.renderer.CompileInline("authorization", tc.source)
			require.NoError(t, err)
			rendered, err := tmpl.Render(nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererStripsSprigFileHelpers(t *testing.T) {
	renderer := NewRenderer(nil)
	for _, name := range []string{"readFile", "mustReadFile", "readDir", "mustReadDir", "glob"} {
		_, ok := renderer.funcs[name]
		require.Falsef(t, ok, "sprig helper %q should be removed", name)
	}
	_, err := renderer.CompileInline("inline", `{{ readFile "/etc/passwd" }}`)
	require.Error(t, err)
}

func TestRendererCompileFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "auth.tmpl"), []byte("Ghost {{ .version }}"), 0o600))
	sandbox, err := NewSandbox(root, false, nil)
	require.NoError(t, err)
	renderer := NewRenderer(sandbox)

	tmpl, err := renderer.CompileFile("auth.tmpl")
	require.NoError(t, err)
	require.Equal(t, "auth.tmpl", tmpl.Name())
	rendered, err := tmpl.Render(map[string]any{"version": "v5.0"})
	require.NoError(t, err)
	require.Equal(t, "Ghost v5.0", rendered)

	_, err = renderer.CompileFile("../escape.tmpl")
	require.ErrorContains(t, err, "escapes sandbox")

	_, err = NewRenderer(NewEnvSandbox(true, nil)).CompileFile("auth.tmpl")
	require.Error(t, err)
}

func TestRendererCompileInlineSkipsBlankSources(t *testing.T) {
	tmpl, err := NewRenderer(nil).CompileInline("blank", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	_, err = (*Template)(nil).Render(nil)
	require.Error(t, err)
	require.Empty(t, (*Template)(nil).Name())
}

func TestHeaderSetApply(t *testing.T) {
	t.Setenv("GHOST_ADMIN_TOKEN", "abc123")
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "trace.tmpl"), []byte("{{ .resource }}/{{ .action | upper }}"), 0o600))
	sandbox, err := NewSandbox(root, true, []string{"GHOST_ADMIN_TOKEN"})
	require.NoError(t, err)

	set, err := NewRenderer(sandbox).CompileHeaders(map[string]string{
		"authorization":  `Ghost {{ env "GHOST_ADMIN_TOKEN" }}`,
		"accept-version": "{{ .version }}",
		"X-Trace":        "@trace.tmpl",
		"X-Unset":        `{{ env "UNSET_VALUE" }} `,
		"X-Blank":        "  ",
	})
	require.NoError(t, err)
	require.Equal(t, 4, set.Len())

	header := http.Header{}
	require.NoError(t, set.Apply(header, HeaderData{Resource: "posts", Action: "browse", Version: "v5.0"}))
	require.Equal(t, http.Header{
		"Authorization":  {"Ghost abc123"},
		"Accept-Version": {"v5.0"},
		"X-Trace":        {"posts/BROWSE"},
	}, header)
}

func TestCompileHeadersRejectsInvalidEntries(t *testing.T) {
	renderer := NewRenderer(nil)

	_, err := renderer.CompileHeaders(map[string]string{" ": "value"})
	require.ErrorContains(t, err, "header name required")

	_, err = renderer.CompileHeaders(map[string]string{"X-Broken": "{{ .resource "})
	require.ErrorContains(t, err, `header "X-Broken"`)

	_, err = renderer.CompileHeaders(map[string]string{"Authorization": "@auth.tmpl"})
	require.ErrorContains(t, err, "require a sandbox")

	var empty *HeaderSet
	require.Zero(t, empty.Len())
	require.NoError(t, empty.Apply(http.Header{}, HeaderData{}))
}
