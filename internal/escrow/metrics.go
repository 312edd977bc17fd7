package escrow

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpescrow",
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Escrow operations by name and result kind.",
	}, []string{"op", "result"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mpescrow",
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "Escrow operation latency, including custody transfers.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"op"})

	// valueMoved is approximate: token amounts exceed float64 precision.
	valueMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpescrow",
		Subsystem: "escrow",
		Name:      "value_moved_total",
		Help:      "Approximate token base units moved, by flow.",
	}, []string{"flow"})

	haltsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mpescrow",
		Subsystem: "escrow",
		Name:      "halts_total",
		Help:      "Times the service latched into the halted state.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, valueMoved, haltsTotal)
}

func observeOp(op string, kind Kind, d time.Duration) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	opsTotal.WithLabelValues(op, result).Inc()
	opDuration.WithLabelValues(op).Observe(d.Seconds())
}

func approx(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
