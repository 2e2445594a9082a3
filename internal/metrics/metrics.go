// Package metrics holds the Prometheus instrumentation for the sync
// pipeline. Collectors are registered on an injected registry so tests can
// use an isolated one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's collectors.
type Metrics struct {
	ScrapeAttempts prometheus.Counter
	ScrapeRetries  prometheus.Counter
	ScrapeFailures prometheus.Counter
	JobDuration    *prometheus.HistogramVec
	JobsInFlight   prometheus.Gauge
}

// New constructs the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScrapeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "figsync_scrape_attempts_total",
			Help: "Item fetch attempts, including retries.",
		}),
		ScrapeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "figsync_scrape_retries_total",
			Help: "Item fetch attempts beyond the first.",
		}),
		ScrapeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "figsync_scrape_failures_total",
			Help: "Items that exhausted all attempts.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "figsync_job_duration_seconds",
			Help:    "Wall time per sync job, labelled by sync type and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"sync_type", "outcome"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "figsync_jobs_in_flight",
			Help: "Sync jobs currently being processed.",
		}),
	}
	reg.MustRegister(m.ScrapeAttempts, m.ScrapeRetries, m.ScrapeFailures, m.JobDuration, m.JobsInFlight)
	return m
}

// NewTest constructs Metrics on a throwaway registry.
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}
