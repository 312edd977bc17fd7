package lifecycle

import "github.com/prometheus/client_golang/prometheus"

// transitions counts transitions applied inside transactions. A transaction
// that later fails to commit is still counted.
var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mpescrow",
	Subsystem: "lifecycle",
	Name:      "transitions_total",
	Help:      "Applied life-cycle transitions by kind.",
}, []string{"transition"})

func init() {
	prometheus.MustRegister(transitions)
}
