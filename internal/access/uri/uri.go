// Package uri parses and builds the compact resource addresses used as cache
// keys and subscription patterns:
//
//	namespace/type[/[slug:|uuid:|name:|id:]identifier][?key=value&...]
//
// Build emits a canonical form (sorted query keys, minimal escaping) so that
// Parse(Build(u)) reproduces u exactly.
package uri

import (
	"net/url"
	"sort"
	"strings"

	"github.com/l0p7/contentgate/internal/faults"
)

// IdentifierType selects how a single resource is looked up.
type IdentifierType string

const (
	IdentifierNone IdentifierType = ""
	IdentifierID   IdentifierType = "id"
	IdentifierSlug IdentifierType = "slug"
	IdentifierUUID IdentifierType = "uuid"
	IdentifierName IdentifierType = "name"
)

// URI is a parsed resource address. A collection has an empty Identifier and
// IdentifierNone.
type URI struct {
	Namespace      string
	Type           string
	Identifier     string
	IdentifierType IdentifierType
	Query          map[string]string
}

// IsCollection reports whether the URI addresses a list rather than one item.
func (u URI) IsCollection() bool { return u.Identifier == "" }

// Resource returns the plural upstream resource name for the type.
func (u URI) Resource() string {
	if r, ok := resourceOf[strings.ToLower(u.Type)]; ok {
		return r
	}
	return u.Type
}

// Singular returns the singular type name, used in error messages.
func (u URI) Singular() string {
	if s, ok := singularOf[u.Resource()]; ok {
		return s
	}
	return u.Type
}

// String is Build(u).
func (u URI) String() string { return Build(u) }

// Param returns a query parameter with surrounding whitespace trimmed.
func (u URI) Param(key string) string {
	return strings.TrimSpace(u.Query[key])
}

// resource types recognised by the parser, keyed by both singular and plural
// spellings.
var (
	resourceOf = map[string]string{}
	singularOf = map[string]string{}
)

func init() {
	for singular, plural := range map[string]string{
		"post":       "posts",
		"page":       "pages",
		"tag":        "tags",
		"author":     "authors",
		"member":     "members",
		"tier":       "tiers",
		"newsletter": "newsletters",
		"offer":      "offers",
		"user":       "users",
		"webhook":    "webhooks",
	} {
		resourceOf[singular] = plural
		resourceOf[plural] = plural
		singularOf[plural] = singular
	}
}

// KnownType reports whether typ names a supported resource type.
func KnownType(typ string) bool {
	_, ok := resourceOf[strings.ToLower(typ)]
	return ok
}

// Parse decomposes raw into a URI.
func Parse(raw string) (URI, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return URI{}, faults.Validation("invalid resource uri", "uri is empty")
	}

	path, rawQuery, _ := strings.Cut(trimmed, "?")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || len(segments) > 3 || segments[0] == "" || segments[1] == "" {
		return URI{}, faults.Validation("invalid resource uri", "expected namespace/type[/identifier]: "+raw)
	}

	out := URI{Namespace: segments[0], Type: segments[1]}
	if !KnownType(out.Type) {
		return URI{}, faults.Validation("Unknown resource type", out.Type)
	}

	if len(segments) == 3 {
		ident, identType, err := parseIdentifier(segments[2])
		if err != nil {
			return URI{}, err
		}
		out.Identifier = ident
		out.IdentifierType = identType
	}

	query, err := parseQuery(rawQuery)
	if err != nil {
		return URI{}, err
	}
	out.Query = query
	return out, nil
}

func parseIdentifier(segment string) (string, IdentifierType, error) {
	if segment == "" {
		return "", IdentifierNone, faults.Validation("invalid resource uri", "empty identifier")
	}
	identType := IdentifierID
	value := segment
	if prefix, rest, ok := strings.Cut(segment, ":"); ok {
		switch IdentifierType(strings.ToLower(prefix)) {
		case IdentifierSlug, IdentifierUUID, IdentifierName, IdentifierID:
			identType = IdentifierType(strings.ToLower(prefix))
			value = rest
		default:
			return "", IdentifierNone, faults.Validation("invalid resource uri", "unknown identifier prefix "+prefix)
		}
	}
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return "", IdentifierNone, faults.Validation("invalid resource uri", "identifier: "+err.Error())
	}
	if decoded == "" {
		return "", IdentifierNone, faults.Validation("invalid resource uri", "empty identifier")
	}
	return decoded, identType, nil
}

// parseQuery returns nil when raw carries no parameters.
func parseQuery(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var query map[string]string
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.PathUnescape(key)
		if err != nil || k == "" {
			return nil, faults.Validation("invalid resource uri", "bad query parameter "+pair)
		}
		v, err := url.PathUnescape(value)
		if err != nil {
			return nil, faults.Validation("invalid resource uri", "bad query value for "+k)
		}
		if query == nil {
			query = map[string]string{}
		}
		query[k] = v
	}
	return query, nil
}

// Build renders u in canonical form.
func Build(u URI) string {
	var b strings.Builder
	b.WriteString(u.Namespace)
	b.WriteByte('/')
	b.WriteString(u.Type)
	if u.Identifier != "" {
		b.WriteByte('/')
		ident := escape(u.Identifier, true)
		switch u.IdentifierType {
		case IdentifierSlug, IdentifierUUID, IdentifierName:
			b.WriteString(string(u.IdentifierType))
			b.WriteByte(':')
		default:
			if strings.Contains(ident, ":") {
				b.WriteString("id:")
			}
		}
		b.WriteString(ident)
	}
	if len(u.Query) > 0 {
		keys := make([]string, 0, len(u.Query))
		for k := range u.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i == 0 {
				b.WriteByte('?')
			} else {
				b.WriteByte('&')
			}
			b.WriteString(escape(k, false))
			b.WriteByte('=')
			b.WriteString(escape(u.Query[k], false))
		}
	}
	return b.String()
}

// escape percent-encodes only the bytes that would break the grammar, keeping
// filter expressions such as tag:news+featured:true readable.
func escape(s string, inPath bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%', c == '&', c == '=', c == '?', c == '#', c == ' ', c < 0x20, c == 0x7f:
			b.WriteString(hexEscape(c))
		case inPath && c == '/':
			b.WriteString(hexEscape(c))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hexEscape(c byte) string {
	const hex = "0123456789ABCDEF"
	return string([]byte{'%', hex[c>>4], hex[c&15]})
}

// Canonical parses raw and rebuilds it, returning the cache key form.
func Canonical(raw string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Build(u), nil
}
