// Package metrics exposes prometheus counters for the memory engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "hybrid_memory"

// Collector holds the engine's metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	eventsIngested   *prometheus.CounterVec
	ingestErrors     *prometheus.CounterVec
	artifactsIndexed prometheus.Counter
	evictions        *prometheus.CounterVec

	retrievals        *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	retrievedItems    *prometheus.CounterVec
	retrievalTokens   prometheus.Histogram
	truncations       prometheus.Counter

	traceFailures prometheus.Counter
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and library callers without
// a registry want.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Collector{
		eventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events accepted into the episodic store",
		}, []string{"category"}),
		ingestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Rejected or failed ingestions",
		}, []string{"reason"}),
		artifactsIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_indexed_total",
			Help:      "Artifacts written to the semantic store",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodic_evictions_total",
			Help:      "Episodic records evicted",
		}, []string{"reason"}),
		retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Retrieval calls",
		}, []string{"status"}),
		retrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Retrieval latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		retrievedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieved_items_total",
			Help:      "Items returned after truncation",
		}, []string{"source"}),
		retrievalTokens: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_tokens",
			Help:      "Token cost of assembled contexts",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
		}),
		truncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_truncations_total",
			Help:      "Retrievals that dropped items to fit the token budget",
		}),
		traceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_write_failures_total",
			Help:      "Trace records that could not be written",
		}),
	}
}

// RecordIngest counts an accepted event.
func (c *Collector) RecordIngest(category string) {
	if c == nil {
		return
	}
	c.eventsIngested.WithLabelValues(category).Inc()
}

// RecordIngestError counts a failed ingestion by reason.
func (c *Collector) RecordIngestError(reason string) {
	if c == nil {
		return
	}
	c.ingestErrors.WithLabelValues(reason).Inc()
}

// RecordIndexed counts indexed artifacts.
func (c *Collector) RecordIndexed(n int) {
	if c == nil {
		return
	}
	c.artifactsIndexed.Add(float64(n))
}

// RecordEviction counts evicted episodic records.
func (c *Collector) RecordEviction(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.WithLabelValues(reason).Add(float64(n))
}

// RecordRetrieval records one retrieval call.
func (c *Collector) RecordRetrieval(d time.Duration, episodic, semantic, tokens int, truncated bool, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.retrievals.WithLabelValues(status).Inc()
	c.retrievalDuration.Observe(d.Seconds())
	if err != nil {
		return
	}
	c.retrievedItems.WithLabelValues("episodic").Add(float64(episodic))
	c.retrievedItems.WithLabelValues("semantic").Add(float64(semantic))
	c.retrievalTokens.Observe(float64(tokens))
	if truncated {
		c.truncations.Inc()
	}
}

// RecordTraceFailure counts a dropped trace record.
func (c *Collector) RecordTraceFailure() {
	if c == nil {
		return
	}
	c.traceFailures.Inc()
}
