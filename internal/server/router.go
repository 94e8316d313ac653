package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/l0p7/contentgate/internal/access"
	"github.com/l0p7/contentgate/internal/access/cache"
	"github.com/l0p7/contentgate/internal/access/subscribe"
)

// Operations is the slice of the access facade the operational surface needs.
type Operations interface {
	CheckHealth(ctx context.Context) access.Health
	CacheStats() cache.Stats
	InvalidateCache(ctx context.Context, pattern string) int
	ListResources() []access.Descriptor
	Subscriptions() []subscribe.Info
}

// NewHandler routes the operational endpoints. metrics may be nil, in which
// case /metrics is not served.
func NewHandler(ops Operations, metrics http.Handler, logger *slog.Logger) http.Handler {
	if ops == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "access layer unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{ops: ops, logger: logger.With(slog.String("agent", "http"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /cache", h.cacheStats)
	mux.HandleFunc("DELETE /cache", h.invalidate)
	mux.HandleFunc("GET /catalog", h.catalog)
	mux.HandleFunc("GET /subscriptions", h.subscriptions)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

type handler struct {
	ops    Operations
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	health := h.ops.CheckHealth(r.Context())
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

func (h *handler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ops.CacheStats())
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed := h.ops.InvalidateCache(r.Context(), pattern)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"removed": removed,
	})
}

func (h *handler) catalog(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"resources": h.ops.ListResources()})
}

func (h *handler) subscriptions(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.ops.Subscriptions()})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response encoding failed", slog.String("error", err.Error()))
	}
}
