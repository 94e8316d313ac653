package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveUpstreamCall(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveUpstreamCall("posts", "browse", UpstreamOutcomeSuccess, 250*time.Millisecond)

	families := gather(t, rec, "contentgate_upstream_calls_total", "contentgate_upstream_call_duration_seconds")

	counter := findMetric(t, families["contentgate_upstream_calls_total"], map[string]string{
		"resource": "posts",
		"action":   "browse",
		"outcome":  "success",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for upstream calls")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["contentgate_upstream_call_duration_seconds"], map[string]string{
		"resource": "posts",
		"outcome":  "success",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for upstream latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveRetryNormalizesLabels(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRetry("posts", " ", "rate_limit")

	families := gather(t, rec, "contentgate_upstream_retries_total")
	metric := findMetric(t, families["contentgate_upstream_retries_total"], map[string]string{
		"resource": "posts",
		"action":   "unknown",
		"kind":     "rate_limit",
	})
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected retry counter 1, got %v", got)
	}
}

func TestRecorderBreakerMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveBreakerTransition("ghost", "CLOSED", "OPEN")
	rec.SetBreakerState("ghost", 1)

	families := gather(t, rec, "contentgate_breaker_transitions_total", "contentgate_breaker_state")
	transition := findMetric(t, families["contentgate_breaker_transitions_total"], map[string]string{
		"breaker": "ghost",
		"from":    "CLOSED",
		"to":      "OPEN",
	})
	if got := transition.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected transition counter 1, got %v", got)
	}
	state := findMetric(t, families["contentgate_breaker_state"], map[string]string{"breaker": "ghost"})
	if got := state.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected breaker gauge 1, got %v", got)
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup("local", CacheLookupHit, 10*time.Millisecond)
	rec.ObserveCacheStore("shared", CacheStoreStored, 5*time.Millisecond)
	rec.ObserveCacheInvalidation("local", 3)
	rec.ObserveCacheInvalidation("local", 0)

	families := gather(t, rec, "contentgate_cache_operations_total", "contentgate_cache_operation_duration_seconds")

	lookupMetric := findMetric(t, families["contentgate_cache_operations_total"], map[string]string{
		"tier":      "local",
		"operation": string(CacheOperationLookup),
		"result":    string(CacheLookupHit),
	})
	if got := lookupMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	invalidated := findMetric(t, families["contentgate_cache_operations_total"], map[string]string{
		"tier":      "local",
		"operation": string(CacheOperationInvalidate),
	})
	if got := invalidated.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected invalidation counter 3, got %v", got)
	}

	latencyMetric := findMetric(t, families["contentgate_cache_operation_duration_seconds"], map[string]string{
		"tier":      "shared",
		"operation": string(CacheOperationStore),
		"result":    string(CacheStoreStored),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache store latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderSubscriptionMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveSubscriptionEvent("update")
	rec.ObserveSubscriptionEvent("update")
	rec.SetActiveSubscriptions(4)

	families := gather(t, rec, "contentgate_subscriptions_events_total", "contentgate_subscriptions_active")
	events := findMetric(t, families["contentgate_subscriptions_events_total"], map[string]string{"type": "update"})
	if got := events.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected event counter 2, got %v", got)
	}
	active := findMetric(t, families["contentgate_subscriptions_active"], nil)
	if got := active.GetGauge().GetValue(); got != 4 {
		t.Fatalf("expected active gauge 4, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveUpstreamCall("posts", "browse", UpstreamOutcomeFailure, time.Second)
	rec.ObserveCacheLookup("local", CacheLookupMiss, time.Millisecond)
	rec.SetActiveSubscriptions(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
