// Package metrics holds the Prometheus collectors for the import pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clientbook_import_rows_total",
			Help: "Spreadsheet rows classified, by outcome",
		},
		[]string{"outcome"},
	)

	ClientsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clientbook_import_clients_written_total",
			Help: "Accepted clients written in the import pass, by result",
		},
		[]string{"result"},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clientbook_import_jobs_total",
			Help: "Import jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clientbook_import_job_duration_seconds",
			Help:    "Wall time of an import job from start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clientbook_import_jobs_queued",
			Help: "Jobs waiting in the runner queue",
		},
	)

	UploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clientbook_uploads_rejected_total",
			Help: "Uploads refused before a job was created, by reason",
		},
		[]string{"reason"},
	)
)

// ObserveJob records a finished job.
func ObserveJob(status string, started time.Time) {
	JobsFinished.WithLabelValues(status).Inc()
	JobDuration.Observe(time.Since(started).Seconds())
}
