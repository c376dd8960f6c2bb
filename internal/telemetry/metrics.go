// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package telemetry

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one run. Each Metrics owns
// its registry so parallel tests never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	knowledgeOps  *prometheus.CounterVec
	warnings      *prometheus.CounterVec
	inflightWaits *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace and registers them.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Backend calls by backend and outcome.",
		}, []string{"backend", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Memoized backend calls served from cache.",
		}, []string{"backend"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Backend calls that missed the cache.",
		}, []string{"backend"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries of transient backend failures.",
		}, []string{"backend"}),
		knowledgeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_operations_total",
			Help:      "Knowledge table inserts and merges.",
		}, []string{"op"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Degraded results recorded per component.",
		}, []string{"component"}),
		inflightWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inflight_waits_total",
			Help:      "Calls that waited for an in-flight slot.",
		}, []string{"backend"}),
	}
	m.registry.MustRegister(
		m.calls, m.callDuration, m.cacheHits, m.cacheMisses,
		m.retries, m.knowledgeOps, m.warnings, m.inflightWaits,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCall records one backend call.
func (m *Metrics) ObserveCall(backend string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(backend, outcome).Inc()
	m.callDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// CacheHit records a memoized result.
func (m *Metrics) CacheHit(backend string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(backend).Inc()
}

// CacheMiss records a call that reached the backend.
func (m *Metrics) CacheMiss(backend string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(backend).Inc()
}

// Retry records a retry attempt.
func (m *Metrics) Retry(backend string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(backend).Inc()
}

// Knowledge records a knowledge table operation ("insert" or "merge").
func (m *Metrics) Knowledge(op string) {
	if m == nil {
		return
	}
	m.knowledgeOps.WithLabelValues(op).Inc()
}

// Warning records a degraded result.
func (m *Metrics) Warning(component string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(component).Inc()
}

// InflightWait records a call that had to wait for the concurrency limiter.
func (m *Metrics) InflightWait(backend string) {
	if m == nil {
		return
	}
	m.inflightWaits.WithLabelValues(backend).Inc()
}

// Snapshot flattens counter values into "name{label=value}" keys, for
// run summaries.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	if m == nil {
		return out
	}
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}
