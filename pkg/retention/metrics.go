package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sweptTotal counts removed entries by tier and mode (delete, archive).
	sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memctx_retention_swept_total",
		Help: "Entries removed by the retention sweeper",
	}, []string{"tier", "mode"})

	sweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memctx_retention_sweep_errors_total",
		Help: "Per-tier sweep failures",
	})

	lastSweep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memctx_retention_last_sweep_timestamp_seconds",
		Help: "Unix time of the last completed sweep",
	})
)
