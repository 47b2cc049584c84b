// Package kube implements the cluster executor on top of the controller-runtime client.
package kube

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/kdeploy/internal/manifest"
)

// wellKnownKinds maps kinds to their preferred GroupVersion so that IDs, which carry
// only a kind, can be addressed without a discovery round trip.
var wellKnownKinds = map[string]schema.GroupVersion{
	"ConfigMap":                {Version: "v1"},
	"Secret":                   {Version: "v1"},
	"Service":                  {Version: "v1"},
	"ServiceAccount":           {Version: "v1"},
	"Pod":                      {Version: "v1"},
	"PersistentVolumeClaim":    {Version: "v1"},
	"PersistentVolume":         {Version: "v1"},
	"Namespace":                {Version: "v1"},
	"ReplicationController":    {Version: "v1"},
	"LimitRange":               {Version: "v1"},
	"ResourceQuota":            {Version: "v1"},
	"Event":                    {Version: "v1"},
	"Deployment":               {Group: "apps", Version: "v1"},
	"StatefulSet":              {Group: "apps", Version: "v1"},
	"DaemonSet":                {Group: "apps", Version: "v1"},
	"ReplicaSet":               {Group: "apps", Version: "v1"},
	"ControllerRevision":       {Group: "apps", Version: "v1"},
	"Job":                      {Group: "batch", Version: "v1"},
	"CronJob":                  {Group: "batch", Version: "v1"},
	"HorizontalPodAutoscaler":  {Group: "autoscaling", Version: "v2"},
	"PodDisruptionBudget":      {Group: "policy", Version: "v1"},
	"Ingress":                  {Group: "networking.k8s.io", Version: "v1"},
	"IngressClass":             {Group: "networking.k8s.io", Version: "v1"},
	"NetworkPolicy":            {Group: "networking.k8s.io", Version: "v1"},
	"Role":                     {Group: "rbac.authorization.k8s.io", Version: "v1"},
	"RoleBinding":              {Group: "rbac.authorization.k8s.io", Version: "v1"},
	"ClusterRole":              {Group: "rbac.authorization.k8s.io", Version: "v1"},
	"ClusterRoleBinding":       {Group: "rbac.authorization.k8s.io", Version: "v1"},
	"StorageClass":             {Group: "storage.k8s.io", Version: "v1"},
	"PriorityClass":            {Group: "scheduling.k8s.io", Version: "v1"},
	"CustomResourceDefinition": {Group: "apiextensions.k8s.io", Version: "v1"},
	"DeploymentConfig":         {Group: "apps.openshift.io", Version: "v1"},
}

// GVKResolver resolves the GroupVersionKind for a kind name that is not well known.
// client.Client's RESTMapper satisfies it.
type GVKResolver interface {
	KindsFor(resource schema.GroupVersionResource) ([]schema.GroupVersionKind, error)
}

// ResolveGVK returns the GroupVersionKind addressed by id.
func ResolveGVK(id manifest.ResourceID, resolver GVKResolver) (schema.GroupVersionKind, error) {
	if gv, ok := wellKnownKinds[id.Kind]; ok {
		return gv.WithKind(id.Kind), nil
	}
	if resolver == nil {
		return schema.GroupVersionKind{}, fmt.Errorf("no mapping for kind %q", id.Kind)
	}

	kinds, err := resolver.KindsFor(schema.GroupVersionResource{Resource: strings.ToLower(id.Kind)})
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("failed to resolve kind %q: %w", id.Kind, err)
	}
	for _, gvk := range kinds {
		if gvk.Kind == id.Kind {
			return gvk, nil
		}
	}
	return schema.GroupVersionKind{}, &meta.NoKindMatchError{GroupKind: schema.GroupKind{Kind: id.Kind}}
}

// objectFor returns an empty unstructured object addressing id.
func objectFor(id manifest.ResourceID, resolver GVKResolver) (*unstructured.Unstructured, error) {
	gvk, err := ResolveGVK(id, resolver)
	if err != nil {
		return nil, err
	}
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(gvk)
	u.SetNamespace(id.Namespace)
	u.SetName(id.Name)
	return u, nil
}

// ToApplyConfiguration converts a parsed resource to a runtime.ApplyConfiguration
// for client.Client.Apply. Status and server-populated metadata are stripped.
func ToApplyConfiguration(r manifest.Resource) (runtime.ApplyConfiguration, error) {
	if r.Object == nil {
		return nil, fmt.Errorf("resource %s has no spec", r.ID.Ref())
	}
	if r.Object.GroupVersionKind().Empty() || r.Object.GetAPIVersion() == "" {
		return nil, fmt.Errorf("resource %s is missing apiVersion", r.ID.Ref())
	}

	u := r.Object.DeepCopy()
	unstructured.RemoveNestedField(u.Object, "status")
	unstructured.RemoveNestedField(u.Object, "metadata", "resourceVersion")
	unstructured.RemoveNestedField(u.Object, "metadata", "uid")
	unstructured.RemoveNestedField(u.Object, "metadata", "creationTimestamp")
	unstructured.RemoveNestedField(u.Object, "metadata", "managedFields")

	return client.ApplyConfigurationFromUnstructured(u), nil
}
