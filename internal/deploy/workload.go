package deploy

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/release"
)

// EligibleWorkloads returns the managed and custom-eligible workloads of resources that
// allowed accepts. Direct-apply resources never count, whatever their kind. A nil allowed
// accepts every workload.
func EligibleWorkloads(resources []manifest.Resource, allowed func(manifest.Resource) bool) []manifest.Resource {
	var out []manifest.Resource
	for _, r := range resources {
		if r.IsDirectApply() || !r.IsWorkload() {
			continue
		}
		if allowed != nil && !allowed(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CaptureRevisions records the current rollout revision of every managed workload in rel.
// Revisions that cannot be read are logged and left empty.
func CaptureRevisions(ctx context.Context, logger logr.Logger, executor interfaces.ClusterExecutor, rel *release.Release) error {
	for _, w := range rel.ManagedWorkloads {
		rev, err := executor.Revision(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("failed to read revision of %s: %w", w.ID.Ref(), err)
		}
		if rev == "" {
			logger.V(1).Info("Workload has no revision", "workload", w.ID.Ref())
			continue
		}
		rel.SetRevision(w.ID, rev)
	}
	return nil
}

// SteadyStateTargets splits resources into the managed IDs and custom workloads the
// steady state checker needs.
func SteadyStateTargets(resources []manifest.Resource) ([]manifest.ResourceID, []manifest.Resource) {
	return manifest.IDs(manifest.ManagedWorkloads(resources)), manifest.CustomWorkloads(resources)
}
