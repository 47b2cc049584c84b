package rollback

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
)

// RecreationStatus is the outcome of recreating pruned resources.
type RecreationStatus string

const (
	NoResourceCreated          RecreationStatus = "NoResourceCreated"
	ResourceCreationSuccessful RecreationStatus = "ResourceCreationSuccessful"
	ResourceCreationFailed     RecreationStatus = "ResourceCreationFailed"
)

// RecreatedResources returns the pruned resources that were recreated, given the status
// RecreatePrunedResources reported.
func RecreatedResources(pruned []manifest.ResourceID, status RecreationStatus) []manifest.ResourceID {
	if status != ResourceCreationSuccessful {
		return nil
	}
	return append([]manifest.ResourceID(nil), pruned...)
}

// RecreatePrunedResources re-applies the specs of pruned resources as recorded in the last
// successful release before number. Nothing is created when there is nothing pruned, no
// successful release, or that release never had the pruned resources. A failed apply is
// reported as ResourceCreationFailed; the error is returned only for transport failures.
func (c *Coordinator) RecreatePrunedResources(ctx context.Context, logger logr.Logger, history *release.History, number int, pruned []manifest.ResourceID) (RecreationStatus, error) {
	if len(pruned) == 0 {
		return NoResourceCreated, nil
	}
	if history.IsEmpty() {
		logger.Info("No release history to recreate pruned resources from")
		return NoResourceCreated, nil
	}
	last := history.LastSuccessfulRelease(number)
	if last == nil {
		logger.Info("No successful release found to recreate pruned resources from")
		return NoResourceCreated, nil
	}

	var specs []manifest.Resource
	for _, id := range pruned {
		if spec, ok := last.Spec(id); ok {
			specs = append(specs, spec.DeepCopy())
		}
	}
	if len(specs) == 0 {
		logger.Info("Pruned resources not found in last successful release", "releaseNumber", last.Number)
		return NoResourceCreated, nil
	}

	logger.Info("Recreating pruned resources", "count", len(specs), "fromRelease", last.Number)
	res, err := c.executor.Apply(ctx, specs)
	if err != nil {
		return ResourceCreationFailed, err
	}
	if !res.Success {
		logger.Info("Failed to recreate pruned resources", "output", res.Output)
		return ResourceCreationFailed, nil
	}
	return ResourceCreationSuccessful, nil
}

// DeleteNewResources deletes resources that release number introduced relative to the last
// successful release before it. Delete failures are logged and do not fail the rollback.
func (c *Coordinator) DeleteNewResources(ctx context.Context, logger logr.Logger, history *release.History, number int) prune.Report {
	current := history.Release(number)
	if current == nil {
		logger.Info("Failed release not found in history. Skipping deletion of new resources.")
		return prune.Report{}
	}
	last := history.LastSuccessfulRelease(number)
	if last == nil {
		logger.Info("No successful release found. Skipping deletion of new resources.")
		return prune.Report{}
	}

	var introduced []manifest.ResourceID
	for _, id := range current.Resources {
		if manifest.ContainsID(last.Resources, id) {
			continue
		}
		if spec, ok := current.Spec(id); ok && (spec.IsDirectApply() || spec.SkipPruning()) {
			continue
		}
		introduced = append(introduced, id)
	}
	if len(introduced) == 0 {
		logger.Info("No new resources to delete")
		return prune.Report{}
	}

	logger.Info("Deleting resources introduced by the failed release", "count", len(introduced))
	report := c.pruner.Delete(ctx, logger, prune.ArrangeInDeletionOrder(introduced))
	if !report.Succeeded() {
		logger.Info("Some new resources could not be deleted", "failed", len(report.Failed))
	}
	return report
}
