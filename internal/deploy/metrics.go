package deploy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Deployment results recorded in metrics.
const (
	ResultSucceeded  = "succeeded"
	ResultFailed     = "failed"
	ResultRolledBack = "rolled_back"
	ResultSkipped    = "skipped"
)

var (
	// deploymentsCounter counts deployment attempts by strategy and result.
	deploymentsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kdeploy",
			Subsystem: "deployment",
			Name:      "total",
			Help:      "Total number of deployment operations by strategy and result",
		},
		[]string{"namespace", "strategy", "result"},
	)

	// deploymentDurationHistogram tracks how long deployment operations take.
	deploymentDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kdeploy",
			Subsystem: "deployment",
			Name:      "duration_seconds",
			Help:      "Duration of deployment operations in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"namespace", "strategy"},
	)

	// inProgressGauge indicates whether an operation is running for a release.
	inProgressGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kdeploy",
			Subsystem: "deployment",
			Name:      "in_progress",
			Help:      "Whether a deployment operation is currently in progress (1) or not (0)",
		},
		[]string{"namespace", "release", "strategy"},
	)

	// releaseNumberGauge tracks the latest release number per release name.
	releaseNumberGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kdeploy",
			Subsystem: "deployment",
			Name:      "release_number",
			Help:      "Number of the latest release started for a release name",
		},
		[]string{"namespace", "release"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		deploymentsCounter,
		deploymentDurationHistogram,
		inProgressGauge,
		releaseNumberGauge,
	)
}

// Metrics records metrics for one deployment operation.
type Metrics struct {
	namespace string
	release   string
	strategy  string
	started   time.Time
}

// NewMetrics creates a Metrics instance and starts the operation clock.
func NewMetrics(namespace, release, strategy string) *Metrics {
	return &Metrics{
		namespace: namespace,
		release:   release,
		strategy:  strategy,
		started:   time.Now(),
	}
}

// SetInProgress sets whether the operation is running.
func (m *Metrics) SetInProgress(inProgress bool) {
	value := 0.0
	if inProgress {
		value = 1.0
	}
	inProgressGauge.WithLabelValues(m.namespace, m.release, m.strategy).Set(value)
}

// SetReleaseNumber records the release number the operation opened.
func (m *Metrics) SetReleaseNumber(n int) {
	releaseNumberGauge.WithLabelValues(m.namespace, m.release).Set(float64(n))
}

// Finish records the result and duration of the operation and clears the in-progress flag.
func (m *Metrics) Finish(result string) {
	deploymentsCounter.WithLabelValues(m.namespace, m.strategy, result).Inc()
	deploymentDurationHistogram.WithLabelValues(m.namespace, m.strategy).Observe(time.Since(m.started).Seconds())
	m.SetInProgress(false)
}
