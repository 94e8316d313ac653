package templates

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// FileReference prefixes a header value that names a template file under the
// sandbox root instead of holding the template itself, e.g. "@auth.tmpl".
const FileReference = "@"

// HeaderData is what header templates see as their dot value.
type HeaderData struct {
	Resource string
	Action   string
	Version  string
}

func (d HeaderData) fields() map[string]any {
	return map[string]any{
		"resource": d.Resource,
		"action":   d.Action,
		"version":  d.Version,
	}
}

// HeaderSet is a compiled set of header templates, applied in name order.
type HeaderSet struct {
	names     []string
	templates map[string]*Template
}

// CompileHeaders compiles each header value. Names are canonicalised and
// blank sources are dropped.
func (r *Renderer) CompileHeaders(headers map[string]string) (*HeaderSet, error) {
	set := &HeaderSet{templates: make(map[string]*Template, len(headers))}
	for raw, source := range headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(raw))
		if name == "" {
			return nil, fmt.Errorf("templates: header name required")
		}
		var (
			tmpl *Template
			err  error
		)
		if path, ok := strings.CutPrefix(strings.TrimSpace(source), FileReference); ok {
			tmpl, err = r.CompileFile(path)
		} else {
			tmpl, err = r.CompileInline("header:"+name, source)
		}
		if err != nil {
			return nil, fmt.Errorf("templates: header %q: %w", name, err)
		}
		if tmpl == nil {
			continue
		}
		set.templates[name] = tmpl
		set.names = append(set.names, name)
	}
	sort.Strings(set.names)
	return set, nil
}

// Len reports how many headers the set renders.
func (h *HeaderSet) Len() int {
	if h == nil {
		return 0
	}
	return len(h.names)
}

// Apply renders every header into dst. A header that renders to whitespace is
// left unset.
func (h *HeaderSet) Apply(dst http.Header, data HeaderData) error {
	if h.Len() == 0 {
		return nil
	}
	fields := data.fields()
	for _, name := range h.names {
		value, err := h.templates[name].Render(fields)
		if err != nil {
			return fmt.Errorf("templates: render header %q: %w", name, err)
		}
		if value = strings.TrimSpace(value); value != "" {
			dst.Set(name, value)
		}
	}
	return nil
}
