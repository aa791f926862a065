// Package metrics exposes Prometheus collectors for the relay pipeline.
// They register against the default registry and are served on /metrics by
// the api server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_relay_submissions_total",
		Help: "Broadcast attempts by result.",
	}, []string{"network", "result"})

	DeferralsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_relay_deferrals_total",
		Help: "Submissions deferred by the gas admission controller.",
	}, []string{"network"})

	IndexedLogsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_relay_indexed_logs_total",
		Help: "Decoded and applied contract logs by event.",
	}, []string{"network", "event"})

	IndexerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_relay_indexer_errors_total",
		Help: "Logs skipped because decoding or applying failed.",
	}, []string{"network"})

	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_relay_tick_duration_seconds",
		Help:    "Duration of one scheduler tick.",
		Buckets: prometheus.DefBuckets,
	}, []string{"network"})
)
