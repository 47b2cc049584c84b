// Package rollback returns workloads to the state recorded in an earlier release.
//
// Managed workloads are rolled back by revision: the revision captured when the target
// release was applied is passed to rollout undo, never the live revision, which may have
// moved past it. Custom workloads have no revision mechanism and are re-applied from the
// stored spec.
package rollback

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

// Log messages for rollbacks that have nothing to do.
const (
	MsgNoPreviousRelease        = "No previous release found. Skipping rollback."
	MsgNoFailedRelease          = "No failed release found. Skipping rollback."
	MsgNoEligibleRelease        = "No previous eligible release found. Can't rollback."
	MsgNoManagedWorkload        = "No Managed Workload found in previous eligible release. Skipping rollback."
	MsgSkippingSteadyStateCheck = "Skipping Status Check since there is no previous eligible Managed Workload."
)

// Request describes one rollback.
type Request struct {
	ReleaseName string
	Namespace   string
	// ReleaseNumber is the failed release to roll back from. Nil selects the latest release.
	ReleaseNumber *int
	Timeout       time.Duration
	// SkipSteadyState skips the steady state check after rollback.
	SkipSteadyState bool
	// PrunedResources were deleted by an earlier step of the same operation and are
	// recreated from the last successful release when it still has them.
	PrunedResources []manifest.ResourceID
	// DeleteNewResources deletes resources the failed release introduced.
	DeleteNewResources bool
}

// Result is the outcome of a rollback.
type Result struct {
	// Succeeded is false when an undo or re-apply was rejected or the rolled back
	// workloads did not reach steady state.
	Succeeded bool
	// Skipped is set when there was nothing to roll back; Message says why.
	Skipped bool
	Message string

	FailedRelease *int
	TargetRelease *int
	RolledBack    []manifest.ResourceID
	SteadyState   bool

	Recreation RecreationStatus
	Recreated  []manifest.ResourceID
	DeletedNew prune.Report
}

// Coordinator performs rollbacks.
type Coordinator struct {
	executor interfaces.ClusterExecutor
	store    release.Store
	checker  deploy.SteadyStateChecker
	pruner   *prune.Pruner
	now      deploy.Clock
}

// NewCoordinator constructs a rollback Coordinator.
func NewCoordinator(executor interfaces.ClusterExecutor, store release.Store, checker deploy.SteadyStateChecker, pruner *prune.Pruner) *Coordinator {
	return &Coordinator{
		executor: executor,
		store:    store,
		checker:  checker,
		pruner:   pruner,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (c *Coordinator) WithClock(now deploy.Clock) *Coordinator {
	c.now = now
	return c
}

func skipped(logger logr.Logger, msg string) *Result {
	logger.Info(msg)
	logger.Info(MsgSkippingSteadyStateCheck)
	return &Result{Succeeded: true, Skipped: true, Message: msg, Recreation: NoResourceCreated}
}

// Rollback rolls the failed release back to the nearest rollback-eligible release before it.
// Having nothing to roll back to is a successful no-op, so calling Rollback repeatedly on an
// empty history has no effect. Only store and transport failures are returned as errors.
func (c *Coordinator) Rollback(ctx context.Context, logger logr.Logger, req Request) (*Result, error) {
	logger = deploy.OperationLogger(logger, deploy.StrategyRollback, req.ReleaseName)
	metrics := deploy.NewMetrics(req.Namespace, req.ReleaseName, deploy.StrategyRollback)
	metrics.SetInProgress(true)

	result, err := c.rollback(ctx, logger, req)
	switch {
	case err != nil:
		metrics.Finish(deploy.ResultFailed)
	case result.Skipped:
		metrics.Finish(deploy.ResultSkipped)
	case result.Succeeded:
		metrics.Finish(deploy.ResultSucceeded)
	default:
		metrics.Finish(deploy.ResultFailed)
	}
	return result, err
}

func (c *Coordinator) rollback(ctx context.Context, logger logr.Logger, req Request) (*Result, error) {
	history, err := c.store.Get(ctx, req.ReleaseName)
	if err != nil {
		return nil, fmt.Errorf("failed to read release history %q: %w", req.ReleaseName, err)
	}
	if history.IsEmpty() {
		return skipped(logger, MsgNoPreviousRelease), nil
	}

	failed := history.LatestRelease()
	if req.ReleaseNumber != nil {
		failed = history.Release(*req.ReleaseNumber)
	}
	if failed == nil {
		return skipped(logger, MsgNoPreviousRelease), nil
	}
	if failed.Status == release.StatusSucceeded {
		return skipped(logger, MsgNoFailedRelease), nil
	}

	result := &Result{Succeeded: true, FailedRelease: ptrTo(failed.Number), Recreation: NoResourceCreated}

	status, err := c.RecreatePrunedResources(ctx, logger, history, failed.Number, req.PrunedResources)
	if err != nil {
		logger.Error(err, "Failed to recreate pruned resources")
	}
	result.Recreation = status
	result.Recreated = RecreatedResources(req.PrunedResources, status)

	if req.DeleteNewResources {
		result.DeletedNew = c.DeleteNewResources(ctx, logger, history, failed.Number)
	}

	previous := history.PreviousRollbackEligibleRelease(failed.Number)
	if previous == nil {
		logger.Info(MsgNoEligibleRelease)
		logger.Info(MsgSkippingSteadyStateCheck)
		result.Skipped = true
		result.Message = MsgNoEligibleRelease
		return result, c.closeFailed(ctx, logger, req.ReleaseName, history, failed)
	}
	logger.Info(fmt.Sprintf("Previous eligible Release is %d with status %s", previous.Number, previous.Status))

	if len(previous.ManagedWorkloads) == 0 && len(previous.CustomWorkloads) == 0 {
		logger.Info(MsgNoManagedWorkload)
		logger.Info(MsgSkippingSteadyStateCheck)
		result.Skipped = true
		result.Message = MsgNoManagedWorkload
		return result, c.closeFailed(ctx, logger, req.ReleaseName, history, failed)
	}

	result.TargetRelease = ptrTo(previous.Number)
	logging.LogTransition(logger, logging.EventRollbackTriggered, map[string]string{
		"failedRelease": strconv.Itoa(failed.Number),
		"targetRelease": strconv.Itoa(previous.Number),
	})
	logger.Info(fmt.Sprintf("Rolling back to release %d", previous.Number))

	ok, err := c.rollbackWorkloads(ctx, logger, failed, previous, result)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Succeeded = false
	}

	if ok {
		steady, err := c.checkSteadyState(ctx, logger, req, previous)
		if err != nil {
			return result, err
		}
		result.SteadyState = steady
		result.Succeeded = steady
	}

	logging.LogTransition(logger, logging.EventRollbackFinished, map[string]string{
		"targetRelease": strconv.Itoa(previous.Number),
		"succeeded":     strconv.FormatBool(result.Succeeded),
		"recreation":    string(result.Recreation),
	})
	return result, c.closeFailed(ctx, logger, req.ReleaseName, history, failed)
}

// rollbackWorkloads undoes managed workloads to their recorded revisions, re-applies the
// previous custom workloads and deletes custom workloads the failed release introduced.
// It stops at the first rejection.
func (c *Coordinator) rollbackWorkloads(ctx context.Context, logger logr.Logger, failed, previous *release.Release, result *Result) (bool, error) {
	for _, w := range previous.ManagedWorkloads {
		if kind, _ := manifest.WorkloadKindOf(w.ID.Kind); !kind.SupportsRevisions() {
			logger.Info("Workload kind has no revision history, skipping undo", "workload", w.ID.Ref())
			continue
		}
		logger.Info(fmt.Sprintf("Rolling back resource %s in namespace %s to revision %s", w.ID.KindName(), w.ID.Namespace, w.Revision))
		res, err := c.executor.RolloutUndo(ctx, w.ID, w.Revision)
		if err != nil {
			return false, err
		}
		if !res.Success {
			logger.Info("Rollout undo failed", "workload", w.ID.Ref(), "output", res.Output)
			return false, nil
		}
		result.RolledBack = append(result.RolledBack, w.ID)
	}

	if len(previous.CustomWorkloads) > 0 {
		logger.Info("Re-applying custom workloads of previous release", "count", len(previous.CustomWorkloads))
		res, err := c.executor.Apply(ctx, previous.CustomWorkloads)
		if err != nil {
			return false, err
		}
		if !res.Success {
			logger.Info("Re-applying custom workloads failed", "output", res.Output)
			return false, nil
		}
		result.RolledBack = append(result.RolledBack, previous.CustomIDs()...)
	}

	var introduced []manifest.ResourceID
	for _, id := range failed.CustomIDs() {
		if !manifest.ContainsID(previous.CustomIDs(), id) {
			introduced = append(introduced, id)
		}
	}
	if len(introduced) > 0 {
		logger.Info("Deleting custom workloads introduced by the failed release", "count", len(introduced))
		report := c.pruner.Delete(ctx, logger, prune.ArrangeInDeletionOrder(introduced))
		if !report.Succeeded() {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) checkSteadyState(ctx context.Context, logger logr.Logger, req Request, previous *release.Release) (bool, error) {
	managed := previous.ManagedIDs()
	if len(managed) == 0 && len(previous.CustomWorkloads) == 0 {
		logger.Info(MsgSkippingSteadyStateCheck)
		return true, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultSteadyStateTimeout
	}
	steady, err := c.checker.Check(ctx, logger, steadystate.Request{
		Managed:   managed,
		Custom:    previous.CustomWorkloads,
		Namespace: req.Namespace,
		Timeout:   timeout,
		Skip:      req.SkipSteadyState,
	})
	if err != nil {
		return false, err
	}
	if !steady {
		deploy.DescribeFailure(ctx, logger, c.executor, append(managed, previous.CustomIDs()...))
	}
	return steady, nil
}

// closeFailed marks an in-progress release as failed and persists history.
func (c *Coordinator) closeFailed(ctx context.Context, logger logr.Logger, name string, history *release.History, failed *release.Release) error {
	if failed.Status != release.StatusInProgress {
		return nil
	}
	logger.Info("Marking interrupted release as failed", "releaseNumber", failed.Number)
	if err := history.FinishRelease(failed.Number, release.StatusFailed, c.now()); err != nil {
		return err
	}
	if err := c.store.Save(ctx, name, history); err != nil {
		return fmt.Errorf("failed to save release history %q: %w", name, err)
	}
	return nil
}

func ptrTo(n int) *int {
	return &n
}
