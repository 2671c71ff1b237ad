package reconciliation

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safetrade", Subsystem: "reconciliation", Name: name, Help: help,
	})
}

var (
	imbalanceGauge  = gauge("imbalance", "Signed difference between funds in the system and net deposits at the last check.")
	mismatchGauge   = gauge("ledger_mismatches", "Accounts whose entries do not sum to their balance at the last check.")
	negativeGauge   = gauge("negative_accounts", "Accounts with a negative available balance at the last check.")
	openEscrowGauge = gauge("open_escrows", "Funded escrows at the last check.")
	lastCheckGauge  = gauge("last_check_timestamp_seconds", "Unix time of the last completed check.")

	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "reconciliation",
		Name:      "checks_total",
		Help:      "Reconciliation checks by result (balanced, imbalanced, error).",
	}, []string{"result"})

	checkSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safetrade",
		Subsystem: "reconciliation",
		Name:      "check_duration_seconds",
		Help:      "Time to read the snapshot and evaluate it.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 3, 8),
	})
)

func init() {
	prometheus.MustRegister(imbalanceGauge, mismatchGauge, negativeGauge, openEscrowGauge,
		lastCheckGauge, checksTotal, checkSeconds)
}

// observe publishes a finished report. diff is in cents.
func observe(r *Report, diff *big.Int, took time.Duration) {
	checkSeconds.Observe(took.Seconds())
	cents, _ := new(big.Float).SetInt(diff).Float64()
	imbalanceGauge.Set(cents / 100)
	mismatchGauge.Set(float64(len(r.Mismatches)))
	negativeGauge.Set(float64(len(r.NegativeAccounts)))
	openEscrowGauge.Set(float64(r.OpenEscrows))
	lastCheckGauge.Set(float64(r.CheckedAt.Unix()))
	if r.Balanced {
		checksTotal.WithLabelValues("balanced").Inc()
	} else {
		checksTotal.WithLabelValues("imbalanced").Inc()
	}
}
