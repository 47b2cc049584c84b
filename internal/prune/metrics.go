package prune

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	resultDeleted = "deleted"
	resultFailed  = "failed"
	resultScaled  = "scaled"
)

var (
	// deletionsCounter counts prune deletes by result.
	deletionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kdeploy",
			Subsystem: "prune",
			Name:      "deletions_total",
			Help:      "Total number of resource deletions issued by pruning (deleted, failed)",
		},
		[]string{"result"},
	)

	// scaleDownCounter counts stage workloads scaled to zero.
	scaleDownCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kdeploy",
			Subsystem: "prune",
			Name:      "scale_downs_total",
			Help:      "Total number of stage workloads scaled to zero (scaled, failed)",
		},
		[]string{"result"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		deletionsCounter,
		scaleDownCounter,
	)
}
