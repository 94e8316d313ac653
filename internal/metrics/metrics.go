package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records cache reads.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records cache writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records removals by pattern.
	CacheOperationInvalidate CacheOperation = "invalidate"
	// CacheOperationEvict records capacity evictions.
	CacheOperationEvict CacheOperation = "evict"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup found a live entry.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no live entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// Upstream call outcomes.
const (
	UpstreamOutcomeSuccess  = "success"
	UpstreamOutcomeFailure  = "failure"
	UpstreamOutcomeRejected = "rejected"
)

// Recorder publishes Prometheus metrics for access-layer activity. A nil
// Recorder is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	upstreamRetries *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	subscriptionEvents *prometheus.CounterVec
	subscriptionsOpen  prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	upstreamCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentgate",
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Upstream API calls made through the invoker, including breaker rejections.",
	}, []string{"resource", "action", "outcome"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contentgate",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for upstream calls including retries.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"resource", "action", "outcome"})

	upstreamRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentgate",
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Retries scheduled after a retryable upstream failure.",
	}, []string{"resource", "action", "kind"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "contentgate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker position: 0 closed, 1 open, 2 half-open.",
	}, []string{"breaker"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentgate",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"breaker", "from", "to"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Resource cache operations by tier.",
	}, []string{"tier", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contentgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for resource cache operations.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"tier", "operation", "result"})

	subscriptionEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentgate",
		Subsystem: "subscriptions",
		Name:      "events_total",
		Help:      "Events delivered to subscription callbacks.",
	}, []string{"type"})

	subscriptionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contentgate",
		Subsystem: "subscriptions",
		Name:      "active",
		Help:      "Currently registered subscriptions.",
	})

	reg.MustRegister(upstreamCalls, upstreamLatency, upstreamRetries, breakerState, breakerTransitions,
		cacheOperations, cacheLatency, subscriptionEvents, subscriptionsOpen)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		upstreamCalls:      upstreamCalls,
		upstreamLatency:    upstreamLatency,
		upstreamRetries:    upstreamRetries,
		breakerState:       breakerState,
		breakerTransitions: breakerTransitions,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		subscriptionEvents: subscriptionEvents,
		subscriptionsOpen:  subscriptionsOpen,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveUpstreamCall records one invoker call and its total latency.
func (r *Recorder) ObserveUpstreamCall(resource, action, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	resourceLabel := normalizeLabel(resource)
	actionLabel := normalizeLabel(action)
	outcomeLabel := normalizeLabel(outcome)
	r.upstreamCalls.WithLabelValues(resourceLabel, actionLabel, outcomeLabel).Inc()
	r.upstreamLatency.WithLabelValues(resourceLabel, actionLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry and the failure kind that caused it.
func (r *Recorder) ObserveRetry(resource, action, kind string) {
	if r == nil {
		return
	}
	r.upstreamRetries.WithLabelValues(normalizeLabel(resource), normalizeLabel(action), normalizeLabel(kind)).Inc()
}

// SetBreakerState publishes the breaker position as a gauge value.
func (r *Recorder) SetBreakerState(breaker string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(normalizeLabel(breaker)).Set(float64(state))
}

// ObserveBreakerTransition counts a breaker state change.
func (r *Recorder) ObserveBreakerTransition(breaker, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(breaker), normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveCacheLookup records the result of a cache lookup on a tier.
func (r *Recorder) ObserveCacheLookup(tier string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(tier), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt on a tier.
func (r *Recorder) ObserveCacheStore(tier string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(tier), CacheOperationStore, resultLabel, duration)
}

// ObserveCacheInvalidation adds the number of entries removed by a pattern
// invalidation.
func (r *Recorder) ObserveCacheInvalidation(tier string, removed int) {
	if r == nil || removed <= 0 {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(tier), string(CacheOperationInvalidate), "removed").Add(float64(removed))
}

// ObserveCacheEviction counts a capacity eviction.
func (r *Recorder) ObserveCacheEviction(tier string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(tier), string(CacheOperationEvict), "evicted").Inc()
}

func (r *Recorder) observeCache(tier string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(tier, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(tier, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveSubscriptionEvent counts an event delivered to a callback.
func (r *Recorder) ObserveSubscriptionEvent(eventType string) {
	if r == nil {
		return
	}
	r.subscriptionEvents.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// SetActiveSubscriptions publishes the subscription count.
func (r *Recorder) SetActiveSubscriptions(n int) {
	if r == nil {
		return
	}
	r.subscriptionsOpen.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
