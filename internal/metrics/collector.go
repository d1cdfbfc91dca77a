// Package metrics exposes Prometheus instrumentation for the memory store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the memory subsystem's metrics on its own registry so
// several collectors (tests, multiple processes in one binary) never clash.
type Collector struct {
	registry *prometheus.Registry

	recordsStored      *prometheus.CounterVec
	storeFailures      *prometheus.CounterVec
	retrievals         *prometheus.CounterVec
	retrievalDuration  prometheus.Histogram
	corruptEmbeddings  prometheus.Counter
	consolidationRuns  *prometheus.CounterVec
	consolidatedGroups prometheus.Counter
	consolidatedRecs   prometheus.Counter
}

// NewCollector creates a collector whose metric names are prefixed by namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.recordsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_stored_total",
		Help:      "Memory records written, by type.",
	}, []string{"type"})
	c.storeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_failures_total",
		Help:      "Failed store operations, by reason.",
	}, []string{"reason"})
	c.retrievals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrievals_total",
		Help:      "Similarity retrievals, by type filter.",
	}, []string{"type"})
	c.retrievalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "Latency of similarity retrievals including query embedding.",
		Buckets:   prometheus.DefBuckets,
	})
	c.corruptEmbeddings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corrupt_embeddings_total",
		Help:      "Rows skipped on read because their embedding could not be decoded.",
	})
	c.consolidationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consolidation_runs_total",
		Help:      "Consolidation runs, by outcome.",
	}, []string{"outcome"})
	c.consolidatedGroups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consolidation_groups_total",
		Help:      "Semantic records created by consolidation.",
	})
	c.consolidatedRecs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consolidated_records_total",
		Help:      "Episodic records flagged as consolidated.",
	})

	c.registry.MustRegister(
		c.recordsStored,
		c.storeFailures,
		c.retrievals,
		c.retrievalDuration,
		c.corruptEmbeddings,
		c.consolidationRuns,
		c.consolidatedGroups,
		c.consolidatedRecs,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// All methods below are safe on a nil *Collector.

func (c *Collector) RecordStored(recordType string) {
	if c == nil {
		return
	}
	c.recordsStored.WithLabelValues(recordType).Inc()
}

func (c *Collector) StoreFailed(reason string) {
	if c == nil {
		return
	}
	c.storeFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) Retrieval(typeFilter string, d time.Duration) {
	if c == nil {
		return
	}
	if typeFilter == "" {
		typeFilter = "all"
	}
	c.retrievals.WithLabelValues(typeFilter).Inc()
	c.retrievalDuration.Observe(d.Seconds())
}

func (c *Collector) CorruptEmbedding() {
	if c == nil {
		return
	}
	c.corruptEmbeddings.Inc()
}

func (c *Collector) ConsolidationRun(outcome string, groups, records int) {
	if c == nil {
		return
	}
	c.consolidationRuns.WithLabelValues(outcome).Inc()
	c.consolidatedGroups.Add(float64(groups))
	c.consolidatedRecs.Add(float64(records))
}
