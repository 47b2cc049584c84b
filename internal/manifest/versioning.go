package manifest

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/revision"
)

// podTemplatePaths lists where each kind keeps its pod template.
var podTemplatePaths = map[string][]string{
	"Deployment":       {"spec", "template"},
	"StatefulSet":      {"spec", "template"},
	"DaemonSet":        {"spec", "template"},
	"Job":              {"spec", "template"},
	"ReplicaSet":       {"spec", "template"},
	"DeploymentConfig": {"spec", "template"},
	"CronJob":          {"spec", "jobTemplate", "spec", "template"},
}

// AddVersionSuffix renames ConfigMaps and Secrets to "<name>-<content hash>" and rewrites
// pod template references to them. Resources annotated with skip-versioning keep their
// names. The input slice is not modified.
func AddVersionSuffix(resources []Resource) ([]Resource, error) {
	out := make([]Resource, len(resources))
	renamed := map[string]map[string]string{"ConfigMap": {}, "Secret": {}}

	for i, r := range resources {
		out[i] = r.DeepCopy()
		if r.Object == nil || !IsVersionedKind(r.ID.Kind) || r.flag(constants.AnnotationSkipVersioning) || r.IsDirectApply() {
			continue
		}

		payload := map[string]interface{}{}
		for _, field := range []string{"data", "binaryData", "stringData", "type"} {
			if v, ok := r.Object.Object[field]; ok {
				payload[field] = v
			}
		}
		rev, err := revision.ContentRevision(r.ID.Kind, payload)
		if err != nil {
			return nil, err
		}

		name := fmt.Sprintf("%s-%s", r.ID.Name, rev)
		out[i].Object.SetName(name)
		out[i].ID.Name = name
		out[i].ID.Versioned = true
		renamed[r.ID.Kind][key(r.ID.Namespace, r.ID.Name)] = name
	}

	if len(renamed["ConfigMap"]) == 0 && len(renamed["Secret"]) == 0 {
		return out, nil
	}

	for i := range out {
		path, ok := podTemplatePaths[out[i].ID.Kind]
		if !ok || out[i].Object == nil {
			continue
		}
		if err := rewritePodTemplate(out[i].Object, path, out[i].ID.Namespace, renamed); err != nil {
			return nil, fmt.Errorf("failed to rewrite references in %s: %w", out[i].ID.Ref(), err)
		}
	}

	return out, nil
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

func rewritePodTemplate(obj *unstructured.Unstructured, path []string, namespace string, renamed map[string]map[string]string) error {
	raw, found, err := unstructured.NestedMap(obj.Object, path...)
	if err != nil || !found {
		return err
	}

	var tmpl corev1.PodTemplateSpec
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, &tmpl); err != nil {
		return err
	}

	lookup := func(kind, name string) (string, bool) {
		n, ok := renamed[kind][key(namespace, name)]
		return n, ok
	}
	if !rewritePodSpec(&tmpl.Spec, lookup) {
		return nil
	}

	converted, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&tmpl)
	if err != nil {
		return err
	}
	unstructured.RemoveNestedField(converted, "metadata", "creationTimestamp")
	return unstructured.SetNestedMap(obj.Object, converted, path...)
}

func rewritePodSpec(spec *corev1.PodSpec, lookup func(kind, name string) (string, bool)) bool {
	changed := false
	swap := func(kind string, name *string) {
		if n, ok := lookup(kind, *name); ok {
			*name = n
			changed = true
		}
	}

	for i := range spec.Volumes {
		v := &spec.Volumes[i]
		if v.ConfigMap != nil {
			swap("ConfigMap", &v.ConfigMap.Name)
		}
		if v.Secret != nil {
			swap("Secret", &v.Secret.SecretName)
		}
		if v.Projected != nil {
			for j := range v.Projected.Sources {
				src := &v.Projected.Sources[j]
				if src.ConfigMap != nil {
					swap("ConfigMap", &src.ConfigMap.Name)
				}
				if src.Secret != nil {
					swap("Secret", &src.Secret.Name)
				}
			}
		}
	}

	containers := func(cs []corev1.Container) {
		for i := range cs {
			c := &cs[i]
			for j := range c.Env {
				from := c.Env[j].ValueFrom
				if from == nil {
					continue
				}
				if from.ConfigMapKeyRef != nil {
					swap("ConfigMap", &from.ConfigMapKeyRef.Name)
				}
				if from.SecretKeyRef != nil {
					swap("Secret", &from.SecretKeyRef.Name)
				}
			}
			for j := range c.EnvFrom {
				if c.EnvFrom[j].ConfigMapRef != nil {
					swap("ConfigMap", &c.EnvFrom[j].ConfigMapRef.Name)
				}
				if c.EnvFrom[j].SecretRef != nil {
					swap("Secret", &c.EnvFrom[j].SecretRef.Name)
				}
			}
		}
	}
	containers(spec.InitContainers)
	containers(spec.Containers)

	for i := range spec.ImagePullSecrets {
		swap("Secret", &spec.ImagePullSecrets[i].Name)
	}

	return changed
}
