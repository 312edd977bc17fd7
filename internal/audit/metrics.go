package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpescrow",
		Subsystem: "audit",
		Name:      "checks_total",
		Help:      "Conservation checks by result (ok, violation, error).",
	}, []string{"result"})

	checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mpescrow",
		Subsystem: "audit",
		Name:      "check_duration_seconds",
		Help:      "Duration of conservation checks in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})

	custodyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpescrow",
		Subsystem: "audit",
		Name:      "custody_balance",
		Help:      "Custody token balance at the last check, base units (approximate above 2^53).",
	})

	ledgerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpescrow",
		Subsystem: "audit",
		Name:      "ledger_total",
		Help:      "Σ balances + Σ open channel value at the last check, base units.",
	})

	haltedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpescrow",
		Subsystem: "audit",
		Name:      "halted",
		Help:      "1 once a conservation violation has halted mutations.",
	})
)

func init() {
	prometheus.MustRegister(checks, checkDuration, custodyGauge, ledgerGauge, haltedGauge)
}
