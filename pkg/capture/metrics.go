package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// appendedTotal counts entries accepted into a buffer, by tier.
	appendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memctx_capture_appended_total",
		Help: "Total entries appended by sensitivity tier",
	}, []string{"tier"})

	// flushTotal counts flushes by trigger and result.
	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memctx_capture_flush_total",
		Help: "Total buffer flushes by trigger and result",
	}, []string{"trigger", "result"})

	flushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memctx_capture_flush_batch_size",
		Help:    "Number of entries written per flush",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memctx_capture_flush_duration_seconds",
		Help:    "Flush duration in seconds, retries included",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
	})

	// degradedBuffers is the number of buffers in FLUSH_FAILED.
	degradedBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memctx_capture_degraded_buffers",
		Help: "Buffers whose last flush exhausted its retries",
	})
)
