package fetch

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/l0p7/contentgate/internal/upstream"
)

// Meta wraps pagination the way the remote API reports it.
type Meta struct {
	Pagination upstream.Pagination `json:"pagination"`
}

// Page is a shaped collection: {data, meta: {pagination}}.
type Page struct {
	Data []any `json:"data"`
	Meta Meta  `json:"meta"`
}

// Result is either a single item or a Page. Exactly one of Item and Page is
// set on results returned by Fetch.
type Result struct {
	Item any
	Page *Page
}

// Value returns whichever side is populated.
func (r Result) Value() any {
	if r.Page != nil {
		return *r.Page
	}
	return r.Item
}

// IsCollection reports whether the result is a Page.
func (r Result) IsCollection() bool { return r.Page != nil }

// MarshalJSON renders the item or page directly.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value())
}

// entry is the cached form of a Result. The shared tier round-trips it through
// JSON, so numbers are normalised on decode to match fresh upstream values.
type entry struct {
	Item any   `json:"item,omitempty"`
	Page *Page `json:"page,omitempty"`
}

func (e entry) result() Result { return Result(e) }

type entryCodec struct{}

func (entryCodec) Encode(e entry) ([]byte, error) { return json.Marshal(e) }

func (entryCodec) Decode(data []byte) (entry, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var e entry
	if err := decoder.Decode(&e); err != nil {
		return entry{}, err
	}
	if e.Item == nil && e.Page == nil {
		return entry{}, errors.New("fetch: empty cache entry")
	}
	e.Item = upstream.NormalizeNumbers(e.Item)
	if e.Page != nil {
		for i, item := range e.Page.Data {
			e.Page.Data[i] = upstream.NormalizeNumbers(item)
		}
	}
	return e, nil
}
