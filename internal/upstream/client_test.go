package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/contentgate/internal/faults"
	"github.com/l0p7/contentgate/internal/templates"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = append(seen, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newClient(t *testing.T, baseURL string, headers map[string]string, renderer *templates.Renderer) *Client {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL, APIPath: "/ghost/api/admin/", Version: "v5.0", Headers: headers}, renderer)
	require.NoError(t, err)
	return client
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.com"}, nil)
	require.Error(t, err)
}

func TestBrowseDecodesListing(t *testing.T) {
	srv, seen := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"posts": []any{map[string]any{"id": "1", "reading_time": 3}, map[string]any{"id": "2"}},
			"meta": map[string]any{"pagination": map[string]any{
				"page": 1, "limit": 2, "pages": 3, "total": 5, "next": 2, "prev": nil,
			}},
		})
	})
	client := newClient(t, srv.URL, nil, nil)

	result, err := client.Call(context.Background(), "posts", "browse", map[string]any{"limit": 2, "filter": "status:published"}, nil)
	require.NoError(t, err)

	listing, ok := result.(Listing)
	require.True(t, ok)
	require.Len(t, listing.Items, 2)
	require.Equal(t, int64(3), listing.Items[0].(map[string]any)["reading_time"])
	require.NotNil(t, listing.Pagination)
	require.Equal(t, 5, listing.Pagination.Total)
	require.Equal(t, 3, listing.Pagination.Pages)
	require.NotNil(t, listing.Pagination.Next)
	require.Equal(t, 2, *listing.Pagination.Next)
	require.Nil(t, listing.Pagination.Prev)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	require.Equal(t, http.MethodGet, req.method)
	require.Equal(t, "/ghost/api/admin/posts/", req.path)
	require.Equal(t, "filter=status%3Apublished&limit=2", req.query)
	require.Equal(t, "v5.0", req.header.Get("Accept-Version"))
}

func TestBrowseWithoutPagination(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tags": []any{map[string]any{"id": "t1"}}})
	})
	client := newClient(t, srv.URL, nil, nil)

	result, err := client.Call(context.Background(), "tags", "browse", nil, nil)
	require.NoError(t, err)
	listing := result.(Listing)
	require.Len(t, listing.Items, 1)
	require.Nil(t, listing.Pagination)
}

func TestPaginationLimitAll(t *testing.T) {
	p := paginationFrom(map[string]any{"page": int64(1), "limit": "all", "pages": int64(1), "total": int64(7)}, 7)
	require.Equal(t, 7, p.Limit)
}

func TestReadPaths(t *testing.T) {
	srv, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ghost/api/admin/site/":
			writeJSON(w, http.StatusOK, map[string]any{"site": map[string]any{"title": "Blog"}})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"posts": []any{map[string]any{"id": "1", "title": "Hello"}}})
		}
	})
	client := newClient(t, srv.URL, nil, nil)
	ctx := context.Background()

	result, err := client.Call(ctx, "posts", "read", map[string]any{"include": "tags"}, map[string]any{"id": "1"})
	require.NoError(t, err)
	require.Equal(t, "Hello", result.(map[string]any)["title"])

	_, err = client.Call(ctx, "posts", "read", nil, map[string]any{"slug": "my post"})
	require.NoError(t, err)

	_, err = client.Call(ctx, "users", "read", nil, map[string]any{"email": "a@b.c"})
	require.NoError(t, err)

	site, err := client.Call(ctx, "site", "read", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "Blog", site.(map[string]any)["title"])

	require.Equal(t, "/ghost/api/admin/posts/1/", (*seen)[0].path)
	require.Equal(t, "include=tags", (*seen)[0].query)
	require.Equal(t, "/ghost/api/admin/posts/slug/my post/", (*seen)[1].path)
	require.Equal(t, "/ghost/api/admin/users/email/a@b.c/", (*seen)[2].path)
	require.Equal(t, "/ghost/api/admin/site/", (*seen)[3].path)

	_, err = client.Call(ctx, "posts", "read", nil, map[string]any{})
	require.Equal(t, faults.KindValidation, faults.KindOf(faults.Classify(err)))
}

func TestWriteShapes(t *testing.T) {
	srv, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"posts": []any{map[string]any{"id": "9", "title": "Saved"}}})
	})
	client := newClient(t, srv.URL, nil, nil)
	ctx := context.Background()

	created, err := client.Call(ctx, "posts", "add", map[string]any{"title": "Saved"}, map[string]any{"source": "html"})
	require.NoError(t, err)
	require.Equal(t, "9", created.(map[string]any)["id"])

	_, err = client.Call(ctx, "posts", "edit", map[string]any{"id": "9", "title": "Saved"}, nil)
	require.NoError(t, err)

	deleted, err := client.Call(ctx, "posts", "delete", "9", nil)
	require.NoError(t, err)
	require.Nil(t, deleted)

	require.Equal(t, http.MethodPost, (*seen)[0].method)
	require.Equal(t, "/ghost/api/admin/posts/", (*seen)[0].path)
	require.Equal(t, "source=html", (*seen)[0].query)
	require.JSONEq(t, `{"posts":[{"title":"Saved"}]}`, (*seen)[0].body)
	require.Equal(t, "application/json", (*seen)[0].header.Get("Content-Type"))

	require.Equal(t, http.MethodPut, (*seen)[1].method)
	require.Equal(t, "/ghost/api/admin/posts/9/", (*seen)[1].path)

	require.Equal(t, http.MethodDelete, (*seen)[2].method)
	require.Equal(t, "/ghost/api/admin/posts/9/", (*seen)[2].path)

	_, err = client.Call(ctx, "posts", "edit", map[string]any{"title": "no id"}, nil)
	require.Error(t, err)
	_, err = client.Call(ctx, "posts", "delete", nil, nil)
	require.Error(t, err)
	_, err = client.Call(ctx, "posts", "publish", nil, nil)
	require.Error(t, err)
}

func TestStatusErrorsClassify(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		header   map[string]string
		wantKind faults.Kind
		check    func(t *testing.T, err error)
	}{
		{
			name:     "not found",
			status:   http.StatusNotFound,
			body:     map[string]any{"errors": []any{map[string]any{"message": "Post not found.", "type": "NotFoundError"}}},
			wantKind: faults.KindNotFound,
		},
		{
			name:     "validation carries message",
			status:   http.StatusUnprocessableEntity,
			body:     map[string]any{"errors": []any{map[string]any{"message": "Validation error", "context": "title is required"}}},
			wantKind: faults.KindValidation,
			check: func(t *testing.T, err error) {
				var ve *faults.ValidationError
				require.ErrorAs(t, err, &ve)
				require.Equal(t, "Validation error: title is required", ve.Message)
			},
		},
		{
			name:     "rate limit honours retry-after",
			status:   http.StatusTooManyRequests,
			header:   map[string]string{"Retry-After": "12"},
			wantKind: faults.KindRateLimit,
			check: func(t *testing.T, err error) {
				var rl *faults.RateLimitError
				require.ErrorAs(t, err, &rl)
				require.Equal(t, 12*time.Second, rl.RetryAfter)
			},
		},
		{
			name:     "server error is transient",
			status:   http.StatusBadGateway,
			wantKind: faults.KindUpstream,
			check: func(t *testing.T, err error) {
				require.True(t, faults.IsRetryable(err))
			},
		},
		{
			name:     "forbidden is permanent",
			status:   http.StatusForbidden,
			wantKind: faults.KindUpstream,
			check: func(t *testing.T, err error) {
				require.False(t, faults.IsRetryable(err))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				if tc.body == nil {
					w.WriteHeader(tc.status)
					return
				}
				writeJSON(w, tc.status, tc.body)
			})
			client := newClient(t, srv.URL, nil, nil)

			_, err := client.Call(context.Background(), "posts", "read", nil, map[string]any{"id": "1"})
			require.Error(t, err)
			var se *StatusError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.status, se.StatusCode)

			classified := faults.Classify(err)
			require.Equal(t, tc.wantKind, faults.KindOf(classified))
			if tc.check != nil {
				tc.check(t, classified)
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := newClient(t, addr, nil, nil)
	_, err := client.Call(context.Background(), "posts", "browse", nil, nil)
	require.Error(t, err)
	require.True(t, faults.IsRetryable(faults.Classify(err)))
}

func TestTemplatedHeaders(t *testing.T) {
	t.Setenv("GHOST_ADMIN_TOKEN", "abc123")
	var calls atomic.Int32
	srv, seen := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"posts": []any{}})
	})
	renderer := templates.NewRenderer(templates.NewEnvSandbox(true, []string{"GHOST_ADMIN_TOKEN"}))
	client := newClient(t, srv.URL, map[string]string{
		"authorization": `Ghost {{ env "GHOST_ADMIN_TOKEN" }}`,
		"X-Resource":    "{{ .resource }}.{{ .action }}",
		"X-Empty":       `{{ env "UNSET_VALUE" }} `,
	}, renderer)

	_, err := client.Call(context.Background(), "posts", "browse", nil, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	header := (*seen)[0].header
	require.Equal(t, "Ghost abc123", header.Get("Authorization"))
	require.Equal(t, "posts.browse", header.Get("X-Resource"))
	require.Empty(t, header.Values("X-Empty"))
}

func TestCapabilitiesAreCopied(t *testing.T) {
	client := newClient(t, "http://ghost.local", nil, nil)
	caps := client.Capabilities()
	require.Contains(t, caps["posts"], "browse")
	require.Equal(t, []string{"read"}, caps["site"])

	caps["posts"][0] = "mutated"
	require.Equal(t, "browse", client.Capabilities()["posts"][0])
}
