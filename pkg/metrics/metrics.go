// Package metrics defines the Prometheus metric collectors used by the index
// build and exposes an HTTP handler for scraping long-running builds.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the build.
type Metrics struct {
	RecordsProcessed *prometheus.CounterVec
	RecordsSkipped   *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageRuns        *prometheus.CounterVec
	ArtifactBytes    *prometheus.GaugeVec
	DenseIDs         prometheus.Gauge
	LexiconTerms     prometheus.Gauge
	DocumentsIndexed prometheus.Gauge
	BarrelsWritten   prometheus.Gauge
	SpillRuns        prometheus.Counter
	SinkBatches      *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. Passing nil
// registers with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "build_records_processed_total",
				Help: "Input records processed by stage.",
			},
			[]string{"stage"},
		),
		RecordsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "build_records_skipped_total",
				Help: "Input records skipped by stage and reason (malformed, unresolved).",
			},
			[]string{"stage", "reason"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "build_stage_duration_seconds",
				Help:    "Wall-clock duration of each build stage.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 10800},
			},
			[]string{"stage"},
		),
		StageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "build_stage_runs_total",
				Help: "Stage executions by outcome.",
			},
			[]string{"stage", "status"},
		),
		ArtifactBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_artifact_bytes",
				Help: "Size in bytes of each published artifact.",
			},
			[]string{"artifact"},
		),
		DenseIDs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "build_dense_ids",
				Help: "Number of dense document IDs assigned.",
			},
		),
		LexiconTerms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "build_lexicon_terms",
				Help: "Number of distinct terms in the lexicon.",
			},
		),
		DocumentsIndexed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "build_documents_indexed",
				Help: "Number of documents in the forward index.",
			},
		),
		BarrelsWritten: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "build_barrels_written",
				Help: "Number of barrel files written.",
			},
		),
		SpillRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "build_inverted_spill_runs_total",
				Help: "Sorted runs spilled to disk by the inverted index builder.",
			},
		),
		SinkBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "build_sink_batches_total",
				Help: "Batches written to external publish sinks by sink and status.",
			},
			[]string{"sink", "status"},
		),
	}

	reg.MustRegister(
		m.RecordsProcessed,
		m.RecordsSkipped,
		m.StageDuration,
		m.StageRuns,
		m.ArtifactBytes,
		m.DenseIDs,
		m.LexiconTerms,
		m.DocumentsIndexed,
		m.BarrelsWritten,
		m.SpillRuns,
		m.SinkBatches,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a scrape handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
