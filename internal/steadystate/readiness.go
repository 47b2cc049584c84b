package steadystate

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/dc-tec/kdeploy/internal/kube"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

type phase int

const (
	phasePending phase = iota
	phaseReady
	phaseFailed
)

type readiness struct {
	phase   phase
	message string
}

func pending(format string, args ...interface{}) readiness {
	return readiness{phase: phasePending, message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...interface{}) readiness {
	return readiness{phase: phaseFailed, message: fmt.Sprintf(format, args...)}
}

var ready = readiness{phase: phaseReady, message: "ready"}

const reasonProgressDeadlineExceeded = "ProgressDeadlineExceeded"

// managedReadiness applies the rollout status rules of the workload kind to a live object.
func managedReadiness(kind manifest.WorkloadKind, live *unstructured.Unstructured) (readiness, error) {
	switch kind {
	case manifest.WorkloadDeployment:
		var d appsv1.Deployment
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, &d); err != nil {
			return readiness{}, err
		}
		return deploymentReadiness(&d), nil
	case manifest.WorkloadStatefulSet:
		var s appsv1.StatefulSet
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, &s); err != nil {
			return readiness{}, err
		}
		return statefulSetReadiness(&s), nil
	case manifest.WorkloadDaemonSet:
		var d appsv1.DaemonSet
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, &d); err != nil {
			return readiness{}, err
		}
		return daemonSetReadiness(&d), nil
	case manifest.WorkloadJob:
		var j batchv1.Job
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, &j); err != nil {
			return readiness{}, err
		}
		return jobReadiness(&j), nil
	case manifest.WorkloadDeploymentConfig:
		return deploymentConfigReadiness(live), nil
	}
	return readiness{}, fmt.Errorf("unsupported workload kind %q", kind)
}

func deploymentReadiness(d *appsv1.Deployment) readiness {
	if d.Generation > d.Status.ObservedGeneration {
		return pending("waiting for deployment spec update to be observed")
	}
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Reason == reasonProgressDeadlineExceeded {
			return failed("deployment %q exceeded its progress deadline", d.Name)
		}
	}
	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	if d.Status.UpdatedReplicas < replicas {
		return pending("%d out of %d new replicas have been updated", d.Status.UpdatedReplicas, replicas)
	}
	if d.Status.Replicas > d.Status.UpdatedReplicas {
		return pending("%d old replicas are pending termination", d.Status.Replicas-d.Status.UpdatedReplicas)
	}
	if d.Status.AvailableReplicas < d.Status.UpdatedReplicas {
		return pending("%d of %d updated replicas are available", d.Status.AvailableReplicas, d.Status.UpdatedReplicas)
	}
	return ready
}

func statefulSetReadiness(s *appsv1.StatefulSet) readiness {
	if s.Spec.UpdateStrategy.Type == appsv1.OnDeleteStatefulSetStrategyType {
		return ready
	}
	if s.Status.ObservedGeneration == 0 || s.Generation > s.Status.ObservedGeneration {
		return pending("waiting for statefulset spec update to be observed")
	}
	replicas := int32(1)
	if s.Spec.Replicas != nil {
		replicas = *s.Spec.Replicas
	}
	if s.Status.ReadyReplicas < replicas {
		return pending("%d of %d pods are ready", s.Status.ReadyReplicas, replicas)
	}
	if ru := s.Spec.UpdateStrategy.RollingUpdate; ru != nil && ru.Partition != nil && *ru.Partition > 0 {
		if s.Status.UpdatedReplicas < replicas-*ru.Partition {
			return pending("waiting for partitioned roll out to finish: %d out of %d new pods have been updated",
				s.Status.UpdatedReplicas, replicas-*ru.Partition)
		}
		return ready
	}
	if s.Status.UpdateRevision != s.Status.CurrentRevision {
		return pending("waiting for statefulset rolling update to complete %d pods at revision %s",
			s.Status.UpdatedReplicas, s.Status.UpdateRevision)
	}
	return ready
}

func daemonSetReadiness(d *appsv1.DaemonSet) readiness {
	if d.Spec.UpdateStrategy.Type != "" && d.Spec.UpdateStrategy.Type != appsv1.RollingUpdateDaemonSetStrategyType {
		return ready
	}
	if d.Generation > d.Status.ObservedGeneration {
		return pending("waiting for daemon set spec update to be observed")
	}
	if d.Status.UpdatedNumberScheduled < d.Status.DesiredNumberScheduled {
		return pending("%d out of %d new pods have been updated", d.Status.UpdatedNumberScheduled, d.Status.DesiredNumberScheduled)
	}
	if d.Status.NumberAvailable < d.Status.DesiredNumberScheduled {
		return pending("%d of %d updated pods are available", d.Status.NumberAvailable, d.Status.DesiredNumberScheduled)
	}
	return ready
}

func jobReadiness(j *batchv1.Job) readiness {
	if kube.JobFailed(j) {
		return failed("job %q failed", j.Name)
	}
	if kube.JobSucceeded(j) {
		return ready
	}
	return pending("job %q has not completed", j.Name)
}

func deploymentConfigReadiness(dc *unstructured.Unstructured) readiness {
	observed, _, _ := unstructured.NestedInt64(dc.Object, "status", "observedGeneration")
	if dc.GetGeneration() > observed {
		return pending("waiting for deployment config spec update to be observed")
	}

	conditions, _, _ := unstructured.NestedSlice(dc.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Progressing" && cond["reason"] == reasonProgressDeadlineExceeded {
			return failed("deployment config %q exceeded its progress deadline", dc.GetName())
		}
	}

	replicas, found, _ := unstructured.NestedInt64(dc.Object, "spec", "replicas")
	if !found {
		replicas = 1
	}
	updated, _, _ := unstructured.NestedInt64(dc.Object, "status", "updatedReplicas")
	available, _, _ := unstructured.NestedInt64(dc.Object, "status", "availableReplicas")
	if updated < replicas {
		return pending("%d out of %d new replicas have been updated", updated, replicas)
	}
	if available < replicas {
		return pending("%d of %d replicas are available", available, replicas)
	}
	return ready
}
