package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safetrade/internal/faults"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "ledger",
		Name:      "mutations_total",
		Help:      "Balance mutations by entry kind and outcome (ok, rejected, error).",
	}, []string{"op", "result"})

	opSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safetrade",
		Subsystem: "ledger",
		Name:      "mutation_seconds",
		Help:      "Time spent staging a balance mutation.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 7),
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(opsTotal, opSeconds)
}

// track starts timing op. The returned func records the outcome held in
// *err when the mutation returns.
func track(op string) func(err *error) {
	start := time.Now()
	return func(err *error) {
		opSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		opsTotal.WithLabelValues(op, outcome(*err)).Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case faults.IsBusiness(err):
		return "rejected"
	default:
		return "error"
	}
}
