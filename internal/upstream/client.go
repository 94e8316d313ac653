// Package upstream talks to a Ghost-style admin API over HTTP. It knows the
// URL layout and payload envelopes of the remote service and nothing about
// retries, breakers, or caching; those live in the access layer.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/contentgate/internal/templates"
)

const maxResponseBytes = 8 << 20

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config describes the remote API.
type Config struct {
	BaseURL string
	APIPath string
	Version string
	Timeout time.Duration
	// Headers maps header names to template sources rendered per request.
	Headers map[string]string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client issues calls against the remote API.
type Client struct {
	base    string
	version string
	http    Doer
	logger  *slog.Logger
	headers *templates.HeaderSet
}

var capabilities = map[string][]string{
	"posts":       {"browse", "read", "add", "edit", "delete"},
	"pages":       {"browse", "read", "add", "edit", "delete"},
	"tags":        {"browse", "read", "add", "edit", "delete"},
	"members":     {"browse", "read", "add", "edit", "delete"},
	"tiers":       {"browse", "read", "add", "edit"},
	"newsletters": {"browse", "read", "add", "edit"},
	"offers":      {"browse", "read", "add", "edit"},
	"users":       {"browse", "read", "edit", "delete"},
	"webhooks":    {"add", "edit", "delete"},
	"site":        {"read"},
}

// New validates cfg and compiles header templates with renderer. A nil
// renderer gets one without environment access.
func New(cfg Config, renderer *templates.Renderer, opts ...Option) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("upstream: base url required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream: base url %q must be http or https", base)
	}
	apiPath := "/" + strings.Trim(cfg.APIPath, "/")
	if apiPath == "/" {
		apiPath = ""
	}

	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	headers, err := renderer.CompileHeaders(cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		base:    strings.TrimRight(base, "/") + apiPath,
		version: cfg.Version,
		http:    &http.Client{Timeout: timeout},
		logger:  slog.New(slog.DiscardHandler),
		headers: headers,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("agent", "upstream"))
	return c, nil
}

// Capabilities lists the actions each resource supports.
func (c *Client) Capabilities() map[string][]string {
	out := make(map[string][]string, len(capabilities))
	for resource, actions := range capabilities {
		out[resource] = append([]string(nil), actions...)
	}
	return out
}

// Call performs resource.action. Positional arguments follow the action:
// browse and read take (options, data); add and edit take (data, options);
// delete takes (id, options). Browse returns a Listing, read/add/edit return
// the first record as map[string]any (nil when the body holds none), delete
// returns nil.
func (c *Client) Call(ctx context.Context, resource, action string, args ...any) (any, error) {
	switch action {
	case "browse":
		return c.browse(ctx, resource, mapArg(args, 0))
	case "read":
		return c.read(ctx, resource, mapArg(args, 0), mapArg(args, 1))
	case "add":
		return c.write(ctx, http.MethodPost, resource, "", mapArg(args, 0), mapArg(args, 1))
	case "edit":
		data := mapArg(args, 0)
		id := stringValue(data["id"])
		if id == "" {
			return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: "edit requires an id"}
		}
		return c.write(ctx, http.MethodPut, resource, id, data, mapArg(args, 1))
	case "delete":
		id := ""
		if len(args) > 0 {
			id = stringValue(args[0])
		}
		if id == "" {
			return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: "delete requires an id"}
		}
		_, err := c.do(ctx, http.MethodDelete, resource, action, c.endpoint(resource, id), nil)
		return nil, err
	default:
		return nil, fmt.Errorf("upstream: unsupported action %q", action)
	}
}

func (c *Client) browse(ctx context.Context, resource string, options map[string]any) (any, error) {
	body, err := c.do(ctx, http.MethodGet, resource, "browse", c.endpoint(resource)+encodeQuery(options), nil)
	if err != nil {
		return nil, err
	}
	return listingFrom(resource, body), nil
}

func (c *Client) read(ctx context.Context, resource string, options, data map[string]any) (any, error) {
	var path string
	switch {
	case resource == "site":
		path = c.endpoint(resource)
	case stringValue(data["id"]) != "":
		path = c.endpoint(resource, stringValue(data["id"]))
	case stringValue(data["slug"]) != "":
		path = c.endpoint(resource, "slug", stringValue(data["slug"]))
	case stringValue(data["email"]) != "":
		path = c.endpoint(resource, "email", stringValue(data["email"]))
	default:
		return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: "read requires an id, slug, or email"}
	}
	body, err := c.do(ctx, http.MethodGet, resource, "read", path+encodeQuery(options), nil)
	if err != nil {
		return nil, err
	}
	return firstRecord(resource, body), nil
}

func (c *Client) write(ctx context.Context, method, resource, id string, data, options map[string]any) (any, error) {
	payload, err := json.Marshal(map[string]any{resource: []any{data}})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode %s: %w", resource, err)
	}
	action := "add"
	if method == http.MethodPut {
		action = "edit"
	}
	body, err := c.do(ctx, method, resource, action, c.endpoint(resource, id)+encodeQuery(options), payload)
	if err != nil {
		return nil, err
	}
	return firstRecord(resource, body), nil
}

func (c *Client) endpoint(resource string, segments ...string) string {
	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString("/")
	b.WriteString(resource)
	b.WriteString("/")
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		b.WriteString(url.PathEscape(segment))
		b.WriteString("/")
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, resource, action, target string, payload []byte) (any, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.version != "" {
		req.Header.Set("Accept-Version", c.version)
	}
	if err := c.applyHeaders(req, resource, action); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "upstream request failed",
			slog.String("resource", resource),
			slog.String("action", action),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("upstream: %s %s: %w", method, resource, err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("upstream: close body: %w", closeErr)
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, "upstream request complete",
		slog.String("resource", resource),
		slog.String("action", action),
		slog.Int("status", resp.StatusCode),
		slog.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	decoded, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: decode %s: %w", resource, err)
	}
	return decoded, nil
}

func (c *Client) applyHeaders(req *http.Request, resource, action string) error {
	if err := c.headers.Apply(req.Header, templates.HeaderData{
		Resource: resource,
		Action:   action,
		Version:  c.version,
	}); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	return nil
}

func mapArg(args []any, i int) map[string]any {
	if i >= len(args) {
		return nil
	}
	if m, ok := args[i].(map[string]any); ok {
		return m
	}
	return nil
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func encodeQuery(options map[string]any) string {
	if len(options) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range options {
		if value == nil {
			continue
		}
		values.Set(key, stringValue(value))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func decodeJSON(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return NormalizeNumbers(payload), nil
}

// NormalizeNumbers recursively converts json.Number values to int64 or
// float64 so CEL predicates and equality checks see native numbers. Values
// decoded with UseNumber elsewhere go through it too.
func NormalizeNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = NormalizeNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = NormalizeNumbers(val)
		}
		return out
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return v
	}
}
