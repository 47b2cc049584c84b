package steadystate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// checkDurationHistogram tracks how long steady state checks take.
	checkDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kdeploy",
			Subsystem: "steady_state",
			Name:      "check_duration_seconds",
			Help:      "Duration of steady state checks in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"namespace", "result"},
	)

	// checksCounter counts steady state checks by result.
	checksCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kdeploy",
			Subsystem: "steady_state",
			Name:      "checks_total",
			Help:      "Total number of steady state checks by result (steady, not_steady, error, skipped)",
		},
		[]string{"namespace", "result"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		checkDurationHistogram,
		checksCounter,
	)
}

const (
	resultSteady    = "steady"
	resultNotSteady = "not_steady"
	resultError     = "error"
	resultSkipped   = "skipped"
)

func observeCheck(namespace, result string, started time.Time) {
	checksCounter.WithLabelValues(namespace, result).Inc()
	if result != resultSkipped {
		checkDurationHistogram.WithLabelValues(namespace, result).Observe(time.Since(started).Seconds())
	}
}
