package docstore

import "github.com/prometheus/client_golang/prometheus"

var (
	txTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "docstore",
		Name:      "units_total",
		Help:      "Units of work by backend, kind and result.",
	}, []string{"backend", "op", "result"})

	txRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "docstore",
		Name:      "conflict_retries_total",
		Help:      "Units of work re-run after a write conflict.",
	}, []string{"backend"})

	txDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safetrade",
		Subsystem: "docstore",
		Name:      "unit_duration_seconds",
		Help:      "Unit of work latency including retries.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"backend", "op"})
)

func init() {
	prometheus.MustRegister(txTotal, txRetries, txDuration)
}
