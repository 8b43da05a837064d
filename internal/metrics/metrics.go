// Package metrics exposes the Prometheus metrics the position engine
// updates during operation:
//   • pe_trades_applied_total{path,result}     – hotpath/coldpath outcomes
//   • pe_sign_change_splits_total               – LONG/SHORT position splits
//   • pe_concurrency_conflicts_total{stage}     – retried OCC conflicts
//   • pe_idempotent_duplicates_total            – short-circuited retries
//   • pe_validation_failures_total              – trades routed to DLQ
//   • pe_hotpath_latency_seconds                – end-to-end hotpath timer
//   • pe_coldpath_latency_seconds               – end-to-end coldpath timer
//   • pe_open_lots                              – gauge, lots per position (sampled)
//
// Registered in init() and served at /metrics by promhttp.Handler() (see
// cmd/positionengine).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TradesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pe_trades_applied_total",
			Help: "Trades applied, by path (hotpath|coldpath) and result (applied|provisional|corrected).",
		},
		[]string{"path", "result"},
	)

	SignChangeSplits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pe_sign_change_splits_total",
			Help: "Count of LONG<->SHORT position splits performed by the hotpath applier.",
		},
	)

	ConcurrencyConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pe_concurrency_conflicts_total",
			Help: "Optimistic/version conflicts encountered, by stage (event_append|snapshot_upsert).",
		},
		[]string{"stage"},
	)

	IdempotentDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pe_idempotent_duplicates_total",
			Help: "Trades short-circuited by the idempotency registry.",
		},
	)

	ValidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pe_validation_failures_total",
			Help: "Trades rejected by the validator and routed to DLQ.",
		},
	)

	HotpathLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pe_hotpath_latency_seconds",
			Help:    "End-to-end hotpath apply latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ColdpathLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pe_coldpath_latency_seconds",
			Help:    "End-to-end coldpath recalculation latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	OpenLots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pe_open_lots",
			Help: "Open lot count, sampled per position key on snapshot upsert.",
		},
		[]string{"position_key"},
	)
)

func init() {
	prometheus.MustRegister(
		TradesApplied, SignChangeSplits, ConcurrencyConflicts,
		IdempotentDuplicates, ValidationFailures,
		HotpathLatency, ColdpathLatency, OpenLots,
	)
}

func IncTradesApplied(path, result string) { TradesApplied.WithLabelValues(path, result).Inc() }
func IncConcurrencyConflict(stage string)  { ConcurrencyConflicts.WithLabelValues(stage).Inc() }
func SetOpenLots(positionKey string, n int) {
	OpenLots.WithLabelValues(positionKey).Set(float64(n))
}
