package prune

import (
	"context"
	"errors"
	"strings"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/release"
)

// HistoryView is the part of a release history that blue-green cleanup reads and mutates.
// *release.History implements it.
type HistoryView interface {
	Clone() *release.History
	LatestRelease() *release.Release
	RemoveReleases(pred func(*release.Release) bool) []*release.Release
	ReleaseList() []*release.Release
}

// PrePruningInfo captures what existed before blue-green stage cleanup ran.
type PrePruningInfo struct {
	// HistoryBeforeCleanup is a snapshot taken before any release was removed.
	HistoryBeforeCleanup *release.History `json:"-"`
	// DeletedResourcesInStage are the versioned resources cleanup deleted.
	DeletedResourcesInStage []manifest.ResourceID
	// FailedResourcesInStage are the versioned resources cleanup could not delete.
	FailedResourcesInStage []manifest.ResourceID
}

// CleanupForBlueGreen removes every stage-color release except the latest and deletes the
// versioned resources only those releases referenced. Releases of the primary color are
// kept. When primary and stage are the same color nothing is stale and history is not
// touched at all.
func (p *Pruner) CleanupForBlueGreen(ctx context.Context, logger logr.Logger, history HistoryView, primary, stage string) (PrePruningInfo, error) {
	if primary == stage {
		logger.V(1).Info("Primary and stage colors match; skipping stage cleanup", "color", stage)
		return PrePruningInfo{}, nil
	}
	if history == nil {
		return PrePruningInfo{}, errors.New("release history is required for stage cleanup")
	}

	info := PrePruningInfo{HistoryBeforeCleanup: history.Clone()}

	latest := history.LatestRelease()
	removed := history.RemoveReleases(func(r *release.Release) bool {
		if latest != nil && r.Number == latest.Number {
			return false
		}
		return r.Color == stage
	})
	if len(removed) == 0 {
		return info, nil
	}

	ids := unusedVersionedResources(removed, history.ReleaseList())
	logger.Info("Cleaning up stale stage releases", "stageColor", stage,
		"removedReleases", releaseNumbers(removed), "versionedResources", len(ids))

	report := p.Delete(ctx, logger, ArrangeInDeletionOrder(ids))
	logSummary(logger, logging.EventHistoryCleanup, report)

	info.DeletedResourcesInStage = report.Deleted
	info.FailedResourcesInStage = report.Failed
	return info, nil
}

// PruneForBlueGreen deletes what stale stage-color releases left behind: their managed
// workloads and the persistent resources of releases older than the one immediately
// preceding current. Anything current or the latest primary-color release still uses is
// kept, as is anything cleanup already deleted.
func (p *Pruner) PruneForBlueGreen(ctx context.Context, logger logr.Logger, info PrePruningInfo, primary, stage string, current *release.Release) Report {
	if primary == stage {
		logger.V(1).Info("Primary and stage colors match; skipping pruning", "color", stage)
		return Report{}
	}
	before := info.HistoryBeforeCleanup
	if before.IsEmpty() || current == nil {
		return Report{}
	}

	keep := append([]manifest.ResourceID(nil), current.Resources...)
	if pr := before.LatestReleaseWithColor(primary); pr != nil {
		keep = append(keep, pr.Resources...)
	}
	keep = append(keep, info.DeletedResourcesInStage...)

	var preceding *release.Release
	for _, r := range before.Sorted() {
		if r.Number < current.Number {
			preceding = r
		}
	}

	var ids []manifest.ResourceID
	add := func(r manifest.Resource) {
		if r.IsDirectApply() || r.SkipPruning() {
			return
		}
		if manifest.ContainsID(keep, r.ID) || manifest.ContainsID(ids, r.ID) {
			return
		}
		ids = append(ids, r.ID)
	}

	for _, r := range before.Sorted() {
		if r.Number == current.Number || r.Color != stage {
			continue
		}
		resources := releaseResources(r)
		for _, res := range resources {
			if res.ManagedWorkload {
				add(res)
			}
		}
		if preceding != nil && r.Number < preceding.Number {
			for _, res := range resources {
				if !res.ID.Versioned && !res.ManagedWorkload {
					add(res)
				}
			}
		}
	}

	if len(ids) == 0 {
		logger.Info("No stale stage resources to prune", "stageColor", stage)
		return Report{}
	}

	report := p.Delete(ctx, logger, ArrangeInDeletionOrder(ids))
	logSummary(logger, logging.EventPruneSummary, report)
	return report
}

// ScaleDownStage scales the managed workloads of stageRelease to zero and deletes the
// HorizontalPodAutoscalers and PodDisruptionBudgets that were created for its color.
// Objects annotated as custom resources are left alone even when their name matches.
func (p *Pruner) ScaleDownStage(ctx context.Context, logger logr.Logger, stageRelease *release.Release, stageColor string) Report {
	var report Report
	if stageRelease == nil {
		return report
	}

	for _, w := range stageRelease.ManagedWorkloads {
		kind, ok := manifest.WorkloadKindOf(w.ID.Kind)
		if !ok || !kind.Scalable() {
			continue
		}
		res, err := p.executor.Scale(ctx, w.ID, 0)
		switch {
		case err != nil:
			logger.Error(err, "Failed to scale down stage workload", "workload", w.ID.Ref())
			report.fail(w.ID, err)
			scaleDownCounter.WithLabelValues(resultFailed).Inc()
		case !res.Success:
			logger.Info("Cluster rejected scale down", "workload", w.ID.Ref(), "output", res.Output)
			report.fail(w.ID, errors.New(res.Output))
			scaleDownCounter.WithLabelValues(resultFailed).Inc()
		default:
			report.Scaled = append(report.Scaled, w.ID)
			scaleDownCounter.WithLabelValues(resultScaled).Inc()
		}
	}

	var extras []manifest.ResourceID
	for _, r := range releaseResources(stageRelease) {
		if !isColorScoped(r, stageColor) {
			continue
		}
		extras = append(extras, r.ID)
	}
	report.Merge(p.Delete(ctx, logger, ArrangeInDeletionOrder(extras)))

	logging.LogTransition(logger, logging.EventScaleDown, map[string]string{
		"color":   stageColor,
		"scaled":  strings.Join(refs(report.Scaled), ","),
		"deleted": strings.Join(refs(report.Deleted), ","),
	})
	return report
}

// isColorScoped reports whether r is an HPA or PDB the deployer created for color.
func isColorScoped(r manifest.Resource, color string) bool {
	switch manifest.CanonicalKind(r.ID.Kind) {
	case "HorizontalPodAutoscaler", "PodDisruptionBudget":
	default:
		return false
	}
	if r.IsCustomResource() {
		return false
	}
	return strings.HasSuffix(r.ID.Name, "-"+color)
}

// releaseResources returns the stored specs of a release. Releases recorded without specs
// fall back to bare IDs, which carry no annotations.
func releaseResources(r *release.Release) []manifest.Resource {
	if len(r.ResourceSpecs) > 0 {
		return r.ResourceSpecs
	}
	out := make([]manifest.Resource, 0, len(r.Resources))
	for _, id := range r.Resources {
		out = append(out, manifest.Resource{ID: id, ManagedWorkload: manifest.IsManagedWorkloadKind(id.Kind)})
	}
	return out
}
