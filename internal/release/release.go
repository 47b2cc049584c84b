// Package release models deployment attempts and their durable history.
package release

import (
	"time"

	"github.com/dc-tec/kdeploy/internal/manifest"
)

// Status is the outcome of a release.
type Status string

const (
	StatusInProgress Status = "InProgress"
	StatusSucceeded  Status = "Succeeded"
	StatusFailed     Status = "Failed"
)

// WorkloadRevision pairs a managed workload with the revision it had after this release applied it.
type WorkloadRevision struct {
	ID       manifest.ResourceID `json:"id"`
	Revision string              `json:"revision,omitempty"`
}

// Release is one recorded deployment attempt.
type Release struct {
	Number int    `json:"number"`
	Status Status `json:"status"`
	// Color is the blue-green color the release was deployed to. Empty for other strategies.
	Color string `json:"color,omitempty"`

	Resources []manifest.ResourceID `json:"resources,omitempty"`
	// ResourceSpecs holds the applied specs, used to recreate pruned resources.
	ResourceSpecs    []manifest.Resource `json:"resourceSpecs,omitempty"`
	ManagedWorkloads []WorkloadRevision  `json:"managedWorkloads,omitempty"`
	// CustomWorkloads have no revision mechanism and are rolled back by re-applying these specs.
	CustomWorkloads []manifest.Resource `json:"customWorkloads,omitempty"`

	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// RollbackEligible reports whether the release may be a rollback target.
func (r *Release) RollbackEligible() bool {
	return r != nil && r.Status != StatusInProgress
}

// ManagedIDs returns the IDs of the managed workloads recorded in the release.
func (r *Release) ManagedIDs() []manifest.ResourceID {
	ids := make([]manifest.ResourceID, 0, len(r.ManagedWorkloads))
	for _, w := range r.ManagedWorkloads {
		ids = append(ids, w.ID)
	}
	return ids
}

// CustomIDs returns the IDs of the custom workloads recorded in the release.
func (r *Release) CustomIDs() []manifest.ResourceID {
	return manifest.IDs(r.CustomWorkloads)
}

// SetResources records the applied resources, splitting out managed and custom workloads.
// Revisions are captured later, once the workloads have rolled out.
func (r *Release) SetResources(resources []manifest.Resource) {
	r.Resources = manifest.IDs(resources)
	r.ResourceSpecs = make([]manifest.Resource, 0, len(resources))
	for _, res := range resources {
		r.ResourceSpecs = append(r.ResourceSpecs, res.DeepCopy())
	}

	r.ManagedWorkloads = nil
	for _, w := range manifest.ManagedWorkloads(resources) {
		r.ManagedWorkloads = append(r.ManagedWorkloads, WorkloadRevision{ID: w.ID})
	}
	r.CustomWorkloads = nil
	for _, w := range manifest.CustomWorkloads(resources) {
		r.CustomWorkloads = append(r.CustomWorkloads, w.DeepCopy())
	}
}

// SetRevision stores the revision captured for a managed workload.
func (r *Release) SetRevision(id manifest.ResourceID, revision string) {
	for i := range r.ManagedWorkloads {
		if r.ManagedWorkloads[i].ID.SameObject(id) {
			r.ManagedWorkloads[i].Revision = revision
			return
		}
	}
}

// Spec returns the stored spec for id.
func (r *Release) Spec(id manifest.ResourceID) (manifest.Resource, bool) {
	for _, s := range r.ResourceSpecs {
		if s.ID.SameObject(id) {
			return s, true
		}
	}
	return manifest.Resource{}, false
}

// VersionedResources returns the IDs of versioned resources in the release.
func (r *Release) VersionedResources() []manifest.ResourceID {
	var out []manifest.ResourceID
	for _, id := range r.Resources {
		if id.Versioned {
			out = append(out, id)
		}
	}
	return out
}

// DeepCopy returns an independent copy of the release.
func (r *Release) DeepCopy() *Release {
	if r == nil {
		return nil
	}
	out := *r
	out.Resources = append([]manifest.ResourceID(nil), r.Resources...)
	out.ManagedWorkloads = append([]WorkloadRevision(nil), r.ManagedWorkloads...)
	out.ResourceSpecs = copyResources(r.ResourceSpecs)
	out.CustomWorkloads = copyResources(r.CustomWorkloads)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func copyResources(in []manifest.Resource) []manifest.Resource {
	if in == nil {
		return nil
	}
	out := make([]manifest.Resource, len(in))
	for i := range in {
		out[i] = in[i].DeepCopy()
	}
	return out
}
