package arbiter

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamagate",
			Subsystem: "arbiter",
			Name:      "submissions_total",
			Help:      "Submissions by outcome",
		},
		[]string{"outcome"},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "llamagate",
			Subsystem: "arbiter",
			Name:      "generation_duration_seconds",
			Help:      "Time a ticket spent generating",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	queueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "llamagate",
			Subsystem: "arbiter",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for a ticket",
			Buckets:   prometheus.DefBuckets,
		},
	)

	waitingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llamagate",
			Subsystem: "arbiter",
			Name:      "waiting",
			Help:      "Requests waiting for a ticket",
		},
	)

	inflightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llamagate",
			Subsystem: "arbiter",
			Name:      "inflight",
			Help:      "Tickets currently held",
		},
	)

	reopensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamagate",
			Subsystem: "arbiter",
			Name:      "reopens_total",
			Help:      "Session reopens by reason and result",
		},
		[]string{"reason", "result"},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal, generationDuration, queueWaitDuration, waitingGauge, inflightGauge, reopensTotal)
}

// Outcome labels.
const (
	outcomeOK            = "ok"
	outcomeBusy          = "busy"
	outcomeOverloaded    = "overloaded"
	outcomeQueueTimeout  = "queue_timeout"
	outcomeGenTimeout    = "generation_timeout"
	outcomeEngineFailure = "engine_failure"
	outcomeCancelled     = "cancelled"
	outcomeClosed        = "closed"
)
