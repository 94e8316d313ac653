package access

import (
	"sort"
	"strings"

	"github.com/l0p7/contentgate/internal/faults"
)

// Descriptor documents a resource type for discovery. The catalog is separate
// from caching and fetching.
type Descriptor struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// RegisterResource adds or replaces the descriptor for d.Type. Runtime
// registrations are kept when the configured catalog is replaced.
func (m *Manager) RegisterResource(d Descriptor) error {
	d.Type = strings.TrimSpace(d.Type)
	if d.Type == "" {
		return faults.Validation("Resource type required")
	}
	m.catalogMu.Lock()
	m.registered[d.Type] = d
	m.catalogMu.Unlock()
	return nil
}

// ListResources returns registered descriptors ordered by type.
func (m *Manager) ListResources() []Descriptor {
	m.catalogMu.RLock()
	out := make([]Descriptor, 0, len(m.catalog)+len(m.registered))
	for typ, d := range m.catalog {
		if _, ok := m.registered[typ]; !ok {
			out = append(out, d)
		}
	}
	for _, d := range m.registered {
		out = append(out, d)
	}
	m.catalogMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ReplaceCatalog swaps the configured catalog. It is used when the catalog
// file reloads; an invalid set leaves the current catalog untouched, and
// descriptors added through RegisterResource are unaffected.
func (m *Manager) ReplaceCatalog(descriptors []Descriptor) error {
	next := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		d.Type = strings.TrimSpace(d.Type)
		if d.Type == "" {
			return faults.Validation("Resource type required")
		}
		next[d.Type] = d
	}
	m.catalogMu.Lock()
	m.catalog = next
	m.catalogMu.Unlock()
	return nil
}
