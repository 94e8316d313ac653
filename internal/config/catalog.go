package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// CatalogBundle is the merged catalog after loading every configured source.
type CatalogBundle struct {
	Entries map[string]CatalogEntry
	Sources []string
	Skipped []DefinitionSkip
}

type catalogDocument struct {
	Catalog map[string]CatalogEntry `koanf:"catalog"`
}

type catalogAggregator struct {
	entries map[string]CatalogEntry
	origins map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newCatalogAggregator() *catalogAggregator {
	return &catalogAggregator{
		entries: make(map[string]CatalogEntry),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *catalogAggregator) addDocument(doc catalogDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, entry := range doc.Catalog {
		a.add(name, entry, source)
	}
}

// add quarantines a type defined by more than one source rather than picking a
// winner.
func (a *catalogAggregator) add(name string, entry CatalogEntry, source string) {
	name = strings.TrimSpace(name)
	if name == "" {
		a.recordSkip("", "missing resource type", source)
		return
	}
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.entries, name)
		return
	}
	a.origins[name] = source
	a.entries[name] = entry
}

func (a *catalogAggregator) recordSkip(name, reason string, sources ...string) {
	skip, ok := a.skips[name]
	if !ok {
		skip = &DefinitionSkip{Kind: "resource", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = skip
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

func (a *catalogAggregator) bundle() CatalogBundle {
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return CatalogBundle{Entries: maps.Clone(a.entries), Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// buildCatalogBundle merges inline entries with the catalog file, if any.
func buildCatalogBundle(ctx context.Context, inline map[string]CatalogEntry, catalogCfg CatalogConfig) (CatalogBundle, error) {
	agg := newCatalogAggregator()
	if len(inline) > 0 {
		agg.addDocument(catalogDocument{Catalog: inline}, inlineSourceName)
	}
	if catalogCfg.File == "" {
		return agg.bundle(), nil
	}
	select {
	case <-ctx.Done():
		return CatalogBundle{}, ctx.Err()
	default:
	}
	if err := ensureFileExists(catalogCfg.File); err != nil {
		return CatalogBundle{}, err
	}
	doc, err := loadCatalogDocument(catalogCfg.File)
	if err != nil {
		return CatalogBundle{}, err
	}
	agg.addDocument(doc, catalogCfg.File)
	return agg.bundle(), nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: catalog file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: catalog file %s: expected a file, found directory", path)
	}
	return nil
}

func loadCatalogDocument(path string) (catalogDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return catalogDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return catalogDocument{}, fmt.Errorf("config: load catalog from %s: %w", path, err)
	}
	var doc catalogDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return catalogDocument{}, fmt.Errorf("config: decode catalog from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported catalog file extension %s", ext)
	}
}

func cloneCatalog(in map[string]CatalogEntry) map[string]CatalogEntry {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
