package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safetrade/internal/faults"
)

var (
	SettlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "settlement",
		Name:      "operations_total",
		Help:      "Settlement operations by operation and outcome.",
	}, []string{"op", "outcome"})

	SettlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safetrade",
		Subsystem: "settlement",
		Name:      "operation_duration_seconds",
		Help:      "Settlement operation latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(SettlementsTotal, SettlementDuration)
}

// observe records duration and outcome. Use as
// defer observe("release")(&retErr).
func observe(op string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		SettlementDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err := *errp; err != nil {
			outcome = faults.Code(err)
		}
		SettlementsTotal.WithLabelValues(op, outcome).Inc()
	}
}
