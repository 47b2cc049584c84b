package manifest

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Rename changes the object name and the ID together.
func (r *Resource) Rename(name string) {
	r.ID.Name = name
	if r.Object != nil {
		r.Object.SetName(name)
	}
}

// Replicas returns spec.replicas. Workloads that omit it default to one replica.
func (r Resource) Replicas() (int32, bool) {
	if r.Object == nil {
		return 0, false
	}
	n, found, err := unstructured.NestedInt64(r.Object.Object, "spec", "replicas")
	if err != nil {
		return 0, false
	}
	if !found {
		return 1, true
	}
	return int32(n), true
}

// SetReplicas overwrites spec.replicas.
func (r *Resource) SetReplicas(n int32) error {
	if r.Object == nil {
		return fmt.Errorf("%s has no object", r.ID.Ref())
	}
	return unstructured.SetNestedField(r.Object.Object, int64(n), "spec", "replicas")
}

// AddLabels merges labels into metadata.labels.
func (r *Resource) AddLabels(labels map[string]string) {
	if r.Object == nil {
		return
	}
	merged := r.Object.GetLabels()
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range labels {
		merged[k] = v
	}
	r.Object.SetLabels(merged)
}

// AddPodTemplateLabels merges labels into the pod template of a workload.
// Kinds without a known pod template are left unchanged.
func (r *Resource) AddPodTemplateLabels(labels map[string]string) error {
	path, ok := podTemplatePaths[r.ID.Kind]
	if !ok || r.Object == nil {
		return nil
	}
	return mergeStringMap(r.Object.Object, labels, append(append([]string{}, path...), "metadata", "labels")...)
}

// AddSelectorLabels merges labels into the selector of a workload or Service so it only
// matches pods carrying them. Jobs are skipped because their selector is generated.
func (r *Resource) AddSelectorLabels(labels map[string]string) error {
	if r.Object == nil {
		return nil
	}
	switch r.ID.Kind {
	case "Deployment", "StatefulSet", "DaemonSet", "ReplicaSet":
		return mergeStringMap(r.Object.Object, labels, "spec", "selector", "matchLabels")
	case "DeploymentConfig", "Service":
		return mergeStringMap(r.Object.Object, labels, "spec", "selector")
	case "PodDisruptionBudget":
		return mergeStringMap(r.Object.Object, labels, "spec", "selector", "matchLabels")
	}
	return nil
}

func mergeStringMap(obj map[string]interface{}, labels map[string]string, fields ...string) error {
	existing, _, err := unstructured.NestedStringMap(obj, fields...)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = map[string]string{}
	}
	for k, v := range labels {
		existing[k] = v
	}
	return unstructured.SetNestedStringMap(obj, existing, fields...)
}
