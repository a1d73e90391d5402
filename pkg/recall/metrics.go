package recall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memctx_recall_total",
		Help: "Total recalls by result",
	}, []string{"result"})

	scopeQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memctx_recall_scope_query_duration_seconds",
		Help:    "Per-scope query duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"scope"})

	// scopeFailures counts scope queries that timed out or failed.
	scopeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memctx_recall_scope_failures_total",
		Help: "Scope queries that timed out or failed",
	}, []string{"scope", "reason"})
)
