// Package manifest defines the parsed resource model consumed by the deployment coordinators.
package manifest

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/dc-tec/kdeploy/internal/constants"
)

// ResourceID identifies a cluster resource. An empty Namespace means the resource is cluster-scoped.
// Versioned marks resources whose name carries a content hash suffix.
type ResourceID struct {
	Namespace string `json:"namespace,omitempty"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Versioned bool   `json:"versioned,omitempty"`
}

// Ref returns the reference form "namespace/kind/name".
func (id ResourceID) Ref() string {
	return fmt.Sprintf("%s/%s/%s", id.Namespace, id.Kind, id.Name)
}

// KindName returns "Kind/name", the form accepted by rollout commands.
func (id ResourceID) KindName() string {
	return id.Kind + "/" + id.Name
}

func (id ResourceID) String() string {
	return id.Ref()
}

// SameObject reports whether both IDs address the same cluster object, ignoring the Versioned flag.
func (id ResourceID) SameObject(other ResourceID) bool {
	return id.Namespace == other.Namespace && id.Kind == other.Kind && id.Name == other.Name
}

// ClusterScoped reports whether the ID has no namespace.
func (id ResourceID) ClusterScoped() bool {
	return id.Namespace == ""
}

// Resource is one parsed resource spec plus its identity.
type Resource struct {
	ID              ResourceID                 `json:"id"`
	Object          *unstructured.Unstructured `json:"object,omitempty"`
	ManagedWorkload bool                       `json:"managedWorkload,omitempty"`
}

// NewResource builds a Resource from an object. Namespaced kinds without a namespace
// get defaultNamespace. The object is copied.
func NewResource(obj *unstructured.Unstructured, defaultNamespace string) (Resource, error) {
	if obj == nil {
		return Resource{}, fmt.Errorf("object cannot be nil")
	}
	if obj.GetKind() == "" {
		return Resource{}, fmt.Errorf("resource is missing kind")
	}
	if obj.GetName() == "" {
		return Resource{}, fmt.Errorf("%s is missing metadata.name", obj.GetKind())
	}

	o := obj.DeepCopy()
	if IsClusterScopedKind(o.GetKind()) {
		o.SetNamespace("")
	} else if o.GetNamespace() == "" {
		o.SetNamespace(defaultNamespace)
	}

	return Resource{
		ID: ResourceID{
			Namespace: o.GetNamespace(),
			Kind:      o.GetKind(),
			Name:      o.GetName(),
		},
		Object:          o,
		ManagedWorkload: IsManagedWorkloadKind(o.GetKind()),
	}, nil
}

// DeepCopy returns a copy whose Object can be mutated freely.
func (r Resource) DeepCopy() Resource {
	out := r
	if r.Object != nil {
		out.Object = r.Object.DeepCopy()
	}
	return out
}

// GroupVersionKind returns the GVK of the underlying object.
func (r Resource) GroupVersionKind() schema.GroupVersionKind {
	if r.Object == nil {
		return schema.GroupVersionKind{Kind: r.ID.Kind}
	}
	return r.Object.GroupVersionKind()
}

func (r Resource) annotation(key string) string {
	if r.Object == nil {
		return ""
	}
	return r.Object.GetAnnotations()[key]
}

func (r Resource) flag(key string) bool {
	return strings.EqualFold(strings.TrimSpace(r.annotation(key)), constants.AnnotationValueTrue)
}

// IsDirectApply reports whether the resource is applied but never owned by the deployer.
func (r Resource) IsDirectApply() bool {
	return r.flag(constants.AnnotationDirectApply)
}

// IsCustomEligible reports whether a resource outside the managed kind list opted into
// lifecycle management by annotation.
func (r Resource) IsCustomEligible() bool {
	return !r.ManagedWorkload && r.flag(constants.AnnotationManagedWorkload)
}

// IsWorkload reports whether the resource is a managed or custom-eligible workload.
func (r Resource) IsWorkload() bool {
	return r.ManagedWorkload || r.IsCustomEligible()
}

// SkipPruning reports whether the resource must survive leaving the desired set.
func (r Resource) SkipPruning() bool {
	return r.flag(constants.AnnotationSkipPruning)
}

// IsCustomResource reports whether the resource is a user-managed extra that merely
// references a workload, such as an HPA the user maintains by hand.
func (r Resource) IsCustomResource() bool {
	return r.flag(constants.AnnotationCustomResource)
}

// SteadyStateCondition returns the readiness expression declared on a custom workload.
func (r Resource) SteadyStateCondition() (string, bool) {
	cond := strings.TrimSpace(r.annotation(constants.AnnotationSteadyStateCondition))
	return cond, cond != ""
}

// IDs returns the identifiers of resources in order.
func IDs(resources []Resource) []ResourceID {
	ids := make([]ResourceID, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.ID)
	}
	return ids
}

// ContainsID reports whether ids contains an ID addressing the same object as id.
func ContainsID(ids []ResourceID, id ResourceID) bool {
	for _, candidate := range ids {
		if candidate.SameObject(id) {
			return true
		}
	}
	return false
}

// ManagedWorkloads returns the managed workloads among resources, excluding direct-apply ones.
func ManagedWorkloads(resources []Resource) []Resource {
	var out []Resource
	for _, r := range resources {
		if r.ManagedWorkload && !r.IsDirectApply() {
			out = append(out, r)
		}
	}
	return out
}

// CustomWorkloads returns the custom-eligible workloads among resources, excluding direct-apply ones.
func CustomWorkloads(resources []Resource) []Resource {
	var out []Resource
	for _, r := range resources {
		if r.IsCustomEligible() && !r.IsDirectApply() {
			out = append(out, r)
		}
	}
	return out
}
