// Package templates renders the sprig templates used for upstream request
// headers. Environment and filesystem access go through a Sandbox.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// sprig helpers that would read the process environment or the filesystem
// without consulting the sandbox.
var unsandboxed = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles templates against a Sandbox. A nil sandbox allows inline
// templates only, and env lookups resolve to empty strings.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer returns a Renderer whose env and expandenv helpers read the
// sandbox's allow-listed variables.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range unsandboxed {
		delete(funcs, name)
	}
	funcs["env"] = func(key string) string {
		return sandbox.Environment()[key]
	}
	funcs["expandenv"] = func(input string) string {
		env := sandbox.Environment()
		return os.Expand(input, func(key string) string { return env[key] })
	}
	return &Renderer{sandbox: sandbox, funcs: template.FuncMap(funcs)}
}

// CompileInline parses source. A blank source yields a nil Template and no
// error, so optional settings can be compiled unconditionally.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile parses a template file under the sandbox root. Paths that
// escape the root are rejected.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the template's logical name, for logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
