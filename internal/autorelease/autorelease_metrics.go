package autorelease

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "autorelease",
		Name:      "sweeps_total",
		Help:      "Auto-release sweeps by result.",
	}, []string{"result"})

	escrowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "autorelease",
		Name:      "escrows_total",
		Help:      "Escrows visited by auto-release sweeps, by outcome.",
	}, []string{"outcome"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safetrade",
		Subsystem: "autorelease",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of auto-release sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(sweepsTotal, escrowsTotal, sweepDuration)
}
