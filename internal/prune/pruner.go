// Package prune deletes resources that left the desired set and cleans release history.
//
// Deletion is best effort: every resource is attempted independently and the Report
// lists exactly which deletes succeeded, so callers such as rollback know what must be
// recreated.
package prune

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/release"
)

// Report is the outcome of a batch of deletes.
type Report struct {
	Deleted []manifest.ResourceID
	Failed  []manifest.ResourceID
	// Scaled lists workloads scaled to zero by ScaleDownStage.
	Scaled []manifest.ResourceID
	Errors []error `json:"-"`
}

// Succeeded reports whether no operation in the batch failed.
func (r Report) Succeeded() bool {
	return len(r.Failed) == 0
}

// Merge appends other to r.
func (r *Report) Merge(other Report) {
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Scaled = append(r.Scaled, other.Scaled...)
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *Report) fail(id manifest.ResourceID, err error) {
	r.Failed = append(r.Failed, id)
	r.Errors = append(r.Errors, err)
}

// Pruner deletes resources through a ClusterExecutor, pacing deletes with a token bucket.
type Pruner struct {
	executor interfaces.ClusterExecutor
	limiter  *rate.Limiter
}

// NewPruner returns a Pruner that issues at most deletesPerSecond deletes, with bursts of burst.
// A non-positive rate disables pacing.
func NewPruner(executor interfaces.ClusterExecutor, deletesPerSecond float64, burst int) *Pruner {
	limit := rate.Inf
	if deletesPerSecond > 0 {
		limit = rate.Limit(deletesPerSecond)
	}
	if burst <= 0 {
		burst = constants.DefaultDeleteBurst
	}
	return &Pruner{
		executor: executor,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Delete deletes ids in the given order. A failure on one resource never stops the others.
// Once ctx is done the remaining resources are reported as failed without being attempted.
func (p *Pruner) Delete(ctx context.Context, logger logr.Logger, ids []manifest.ResourceID) Report {
	var report Report
	for _, id := range ids {
		if err := p.limiter.Wait(ctx); err != nil {
			report.fail(id, fmt.Errorf("%s: %w", id.Ref(), err))
			deletionsCounter.WithLabelValues(resultFailed).Inc()
			continue
		}

		res, err := p.executor.Delete(ctx, id)
		switch {
		case err != nil:
			logger.Error(err, "Failed to delete resource", "resource", id.Ref())
			report.fail(id, fmt.Errorf("%s: %w", id.Ref(), err))
			deletionsCounter.WithLabelValues(resultFailed).Inc()
		case !res.Success:
			logger.Info("Cluster rejected delete", "resource", id.Ref(), "output", res.Output)
			report.fail(id, fmt.Errorf("%s: delete rejected: %s", id.Ref(), res.Output))
			deletionsCounter.WithLabelValues(resultFailed).Inc()
		default:
			logger.V(1).Info("Deleted resource", "resource", id.Ref())
			report.Deleted = append(report.Deleted, id)
			deletionsCounter.WithLabelValues(resultDeleted).Inc()
		}
	}
	return report
}

// Prune deletes the resources of previous that are absent from current.
func (p *Pruner) Prune(ctx context.Context, logger logr.Logger, previous []manifest.Resource, current []manifest.ResourceID) Report {
	ids := ResourcesToPrune(previous, current)
	if len(ids) == 0 {
		logger.Info("No resources to prune")
		return Report{}
	}

	report := p.Delete(ctx, logger, ids)
	logSummary(logger, logging.EventPruneSummary, report)
	return report
}

// CleanupHistory removes failed releases and releases older than the last successful one
// from history, then deletes the versioned resources only those releases referenced.
// current is never removed. The caller persists history afterwards.
func (p *Pruner) CleanupHistory(ctx context.Context, logger logr.Logger, history *release.History, current *release.Release) Report {
	if history.IsEmpty() || current == nil {
		return Report{}
	}

	lastSuccessful := history.LastSuccessfulRelease(current.Number)
	removed := history.RemoveReleases(func(r *release.Release) bool {
		if r.Number == current.Number {
			return false
		}
		if r.Status == release.StatusFailed {
			return true
		}
		return lastSuccessful != nil && r.Number < lastSuccessful.Number
	})
	if len(removed) == 0 {
		return Report{}
	}

	ids := unusedVersionedResources(removed, history.Releases)
	logger.Info("Cleaning up release history", "removedReleases", releaseNumbers(removed), "versionedResources", len(ids))

	report := p.Delete(ctx, logger, ArrangeInDeletionOrder(ids))
	logSummary(logger, logging.EventHistoryCleanup, report)
	return report
}

// unusedVersionedResources returns the versioned resources of removed that no kept
// release references.
func unusedVersionedResources(removed, kept []*release.Release) []manifest.ResourceID {
	var inUse []manifest.ResourceID
	for _, r := range kept {
		inUse = append(inUse, r.Resources...)
	}

	var ids []manifest.ResourceID
	for _, r := range removed {
		for _, id := range r.VersionedResources() {
			if manifest.ContainsID(inUse, id) || manifest.ContainsID(ids, id) {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids
}

func releaseNumbers(releases []*release.Release) []int {
	out := make([]int, 0, len(releases))
	for _, r := range releases {
		out = append(out, r.Number)
	}
	return out
}

func logSummary(logger logr.Logger, event string, report Report) {
	logging.LogTransition(logger, event, map[string]string{
		"deleted": strconv.Itoa(len(report.Deleted)),
		"failed":  strconv.Itoa(len(report.Failed)),
	})
	if !report.Succeeded() {
		logger.Info("Some resources could not be deleted", "failed", refs(report.Failed))
	}
}

func refs(ids []manifest.ResourceID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Ref())
	}
	return out
}
