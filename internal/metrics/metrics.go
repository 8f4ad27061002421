package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for sync and export runs
type Metrics struct {
	SyncRuns        *prometheus.CounterVec
	SyncedObjects   *prometheus.CounterVec
	ExportRuns      *prometheus.CounterVec
	SubmittedValues *prometheus.CounterVec
	EvaluationFails prometheus.Counter
	BatchDuration   prometheus.Histogram
}

// New registers all instruments on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhis2bridge",
			Name:      "sync_runs_total",
			Help:      "Metadata sync runs by final status.",
		}, []string{"status"}),
		SyncedObjects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhis2bridge",
			Name:      "synced_objects_total",
			Help:      "Metadata objects upserted, by kind.",
		}, []string{"kind"}),
		ExportRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhis2bridge",
			Name:      "export_runs_total",
			Help:      "Export runs by final status.",
		}, []string{"status"}),
		SubmittedValues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhis2bridge",
			Name:      "submitted_values_total",
			Help:      "Data values submitted, by outcome.",
		}, []string{"outcome"}),
		EvaluationFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhis2bridge",
			Name:      "evaluation_failures_total",
			Help:      "Mapping evaluations that failed.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dhis2bridge",
			Name:      "batch_submit_duration_seconds",
			Help:      "Wall time per submitted batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewDefault registers on the global default registry
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
