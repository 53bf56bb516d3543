package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "retention",
		Name:      "pass_removed_total",
		Help:      "Entities removed by retention, by pass.",
	}, []string{"pass"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recalld",
		Subsystem: "retention",
		Name:      "pass_duration_seconds",
		Help:      "Duration of individual retention passes.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"pass"})

	passFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "retention",
		Name:      "pass_failures_total",
		Help:      "Retention passes aborted by an error, by pass.",
	}, []string{"pass"})

	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "retention",
		Name:      "cycles_total",
		Help:      "Completed retention cycles, by result.",
	}, []string{"result"})

	orphansDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "retention",
		Name:      "orphans_detected_total",
		Help:      "Orphans found during reconciliation, by kind.",
	}, []string{"kind"})

	storeSolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recalld",
		Subsystem: "retention",
		Name:      "store_solutions",
		Help:      "Solutions in the store after the most recent cycle.",
	})
)

const (
	orphanKindRecord = "dangling_record"
	orphanKindVector = "unreferenced_vector"

	resultOK      = "ok"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)
