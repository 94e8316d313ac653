package upstream

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Pagination mirrors the remote meta.pagination block. Next and Prev are nil
// on the last and first page.
type Pagination struct {
	Page  int  `json:"page"`
	Limit int  `json:"limit"`
	Pages int  `json:"pages"`
	Total int  `json:"total"`
	Next  *int `json:"next"`
	Prev  *int `json:"prev"`
}

// Listing is the decoded result of a browse call. Pagination is nil when the
// remote did not report one.
type Listing struct {
	Items      []any       `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// StatusError reports a non-2xx response. It exposes the accessors the fault
// classifier looks for.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatus() int           { return e.StatusCode }
func (e *StatusError) ErrorCode() string         { return e.Code }
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }
func (e *StatusError) UpstreamMessage() string   { return e.Message }

func newStatusError(resp *http.Response, raw []byte) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	if decoded, err := decodeJSON(raw); err == nil {
		if body, ok := decoded.(map[string]any); ok {
			if list, ok := body["errors"].([]any); ok && len(list) > 0 {
				if first, ok := list[0].(map[string]any); ok {
					se.Message = stringValue(first["message"])
					if ctx := stringValue(first["context"]); ctx != "" && se.Message != "" {
						se.Message += ": " + ctx
					}
					se.Code = stringValue(first["code"])
					if se.Code == "" {
						se.Code = stringValue(first["type"])
					}
				}
			}
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(http.StatusText(resp.StatusCode))
	}
	return se
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func listingFrom(resource string, body any) Listing {
	root, _ := body.(map[string]any)
	listing := Listing{Items: []any{}}
	if items, ok := root[resource].([]any); ok {
		listing.Items = items
	}
	meta, _ := root["meta"].(map[string]any)
	if raw, ok := meta["pagination"].(map[string]any); ok {
		listing.Pagination = paginationFrom(raw, len(listing.Items))
	}
	return listing
}

func paginationFrom(raw map[string]any, count int) *Pagination {
	p := &Pagination{}
	p.Page, _ = intValue(raw["page"])
	p.Pages, _ = intValue(raw["pages"])
	p.Total, _ = intValue(raw["total"])
	if limit, ok := intValue(raw["limit"]); ok {
		p.Limit = limit
	} else if stringValue(raw["limit"]) == "all" {
		p.Limit = max(p.Total, count)
	}
	if next, ok := intValue(raw["next"]); ok {
		p.Next = &next
	}
	if prev, ok := intValue(raw["prev"]); ok {
		p.Prev = &prev
	}
	return p
}

func firstRecord(resource string, body any) any {
	root, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	switch v := root[resource].(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case map[string]any:
		return v
	default:
		return nil
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
