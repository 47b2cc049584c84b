// Package rolling applies a resource set in place, waits for it to settle and rolls back
// when it does not.
package rolling

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy"
	"github.com/dc-tec/kdeploy/internal/deploy/rollback"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

// Rollbacker rolls a failed release back. *rollback.Coordinator implements it.
type Rollbacker interface {
	Rollback(ctx context.Context, logger logr.Logger, req rollback.Request) (*rollback.Result, error)
}

// Request describes one rolling deployment.
type Request struct {
	ReleaseName string
	Namespace   string
	Resources   []manifest.Resource
	Timeout     time.Duration

	SkipDryRun      bool
	SkipSteadyState bool
	SkipVersioning  bool
	// Prune deletes resources of the last successful release that are no longer desired.
	Prune bool
}

// Result is the outcome of a rolling deployment.
type Result struct {
	ReleaseNumber int
	Status        release.Status
	Applied       bool
	SteadyState   bool

	// Pruned lists what pruning deleted; pass Pruned.Deleted to a later rollback so the
	// resources are recreated.
	Pruned         prune.Report
	HistoryCleanup prune.Report
	// Rollback is set when the deployment failed and a rollback was attempted.
	Rollback *rollback.Result
	Pods     []deploy.PodInfo
}

// Coordinator runs rolling deployments.
type Coordinator struct {
	executor   interfaces.ClusterExecutor
	checker    deploy.SteadyStateChecker
	pruner     *prune.Pruner
	store      release.Store
	rollbacker Rollbacker
	now        deploy.Clock
}

// NewCoordinator constructs a rolling Coordinator.
func NewCoordinator(executor interfaces.ClusterExecutor, checker deploy.SteadyStateChecker, pruner *prune.Pruner, store release.Store, rollbacker Rollbacker) *Coordinator {
	return &Coordinator{
		executor:   executor,
		checker:    checker,
		pruner:     pruner,
		store:      store,
		rollbacker: rollbacker,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (c *Coordinator) WithClock(now deploy.Clock) *Coordinator {
	c.now = now
	return c
}

// Deploy applies req.Resources as a new release.
//
// A steady state failure after a successful apply is not an error: the release is marked
// Failed, rolled back, and the outcome reported in the Result. Errors are returned for
// configuration problems, transport failures, and a rejected first deployment, which has
// nothing to roll back to and wraps ErrFirstDeploymentFailed.
func (c *Coordinator) Deploy(ctx context.Context, logger logr.Logger, req Request) (*Result, error) {
	if req.ReleaseName == "" {
		return nil, kerrors.NewConfigError("Release name is required", "rolling deployments track their history under the release name")
	}
	if len(req.Resources) == 0 {
		return nil, kerrors.NewConfigError("No resources to deploy", "the rendered manifests contain no resources")
	}

	logger = deploy.OperationLogger(logger, deploy.StrategyRolling, req.ReleaseName)
	metrics := deploy.NewMetrics(req.Namespace, req.ReleaseName, deploy.StrategyRolling)
	metrics.SetInProgress(true)

	result, err := c.deploy(ctx, logger, req, metrics)
	switch {
	case err != nil:
		metrics.Finish(deploy.ResultFailed)
	case result.Status == release.StatusSucceeded:
		metrics.Finish(deploy.ResultSucceeded)
	case result.Rollback != nil && result.Rollback.Succeeded:
		metrics.Finish(deploy.ResultRolledBack)
	default:
		metrics.Finish(deploy.ResultFailed)
	}
	return result, err
}

func (c *Coordinator) deploy(ctx context.Context, logger logr.Logger, req Request, metrics *deploy.Metrics) (*Result, error) {
	resources, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	history, rel, err := deploy.StartRelease(ctx, logger, c.store, req.ReleaseName, c.now())
	if err != nil {
		return nil, err
	}
	rel.SetResources(resources)
	if err := c.store.Save(ctx, req.ReleaseName, history); err != nil {
		return nil, fmt.Errorf("failed to save release history %q: %w", req.ReleaseName, err)
	}
	metrics.SetReleaseNumber(rel.Number)
	logger = logger.WithValues("releaseNumber", rel.Number)

	result := &Result{ReleaseNumber: rel.Number, Status: release.StatusInProgress}
	selector := map[string]string{constants.LabelReleaseName: req.ReleaseName}

	before, err := deploy.ListPods(ctx, c.executor, req.Namespace, selector)
	if err != nil {
		logger.Info("Failed to list pods before deployment", "error", err.Error())
	}

	outcome, err := deploy.Apply(ctx, logger, c.executor, resources, req.SkipDryRun)
	if err != nil {
		if ferr := c.finish(ctx, logger, req, history, rel, result, release.StatusFailed); ferr != nil {
			logger.Error(ferr, "Failed to record failed release")
		}
		return result, fmt.Errorf("failed to apply release %d: %w", rel.Number, err)
	}
	if !outcome.Applied {
		if err := c.finish(ctx, logger, req, history, rel, result, release.StatusFailed); err != nil {
			return result, err
		}
		if history.PreviousRollbackEligibleRelease(rel.Number) == nil {
			return result, fmt.Errorf("%w: apply rejected: %s", kerrors.ErrFirstDeploymentFailed, outcome.Output)
		}
		return result, c.rollback(ctx, logger, req, rel, result)
	}
	result.Applied = true

	managed, custom := deploy.SteadyStateTargets(resources)
	steady, err := c.checker.Check(ctx, logger, steadystate.Request{
		Managed:   managed,
		Custom:    custom,
		Namespace: req.Namespace,
		Timeout:   timeoutOrDefault(req.Timeout),
		Skip:      req.SkipSteadyState,
	})
	if err != nil {
		if ferr := c.finish(ctx, logger, req, history, rel, result, release.StatusFailed); ferr != nil {
			logger.Error(ferr, "Failed to record failed release")
		}
		return result, err
	}
	result.SteadyState = steady

	if err := deploy.CaptureRevisions(ctx, logger, c.executor, rel); err != nil {
		logger.Error(err, "Failed to capture workload revisions")
	}

	if !steady {
		deploy.DescribeFailure(ctx, logger, c.executor, append(managed, manifest.IDs(custom)...))
		if err := c.finish(ctx, logger, req, history, rel, result, release.StatusFailed); err != nil {
			return result, err
		}
		return result, c.rollback(ctx, logger, req, rel, result)
	}

	if req.Prune {
		if last := history.LastSuccessfulRelease(rel.Number); last != nil {
			result.Pruned = c.pruner.Prune(ctx, logger, last.ResourceSpecs, rel.Resources)
		} else {
			logger.Info("No successful release to prune against")
		}
	}
	result.HistoryCleanup = c.pruner.CleanupHistory(ctx, logger, history, rel)

	if err := c.finish(ctx, logger, req, history, rel, result, release.StatusSucceeded); err != nil {
		return result, err
	}

	after, err := deploy.ListPods(ctx, c.executor, req.Namespace, selector)
	if err != nil {
		logger.Info("Failed to list pods after deployment", "error", err.Error())
		return result, nil
	}
	result.Pods = deploy.TagNewPods(after, before)
	return result, nil
}

// prepare versions config resources and labels pod templates with the release name.
func (c *Coordinator) prepare(req Request) ([]manifest.Resource, error) {
	resources := make([]manifest.Resource, len(req.Resources))
	for i := range req.Resources {
		resources[i] = req.Resources[i].DeepCopy()
	}
	if !req.SkipVersioning {
		versioned, err := manifest.AddVersionSuffix(resources)
		if err != nil {
			return nil, kerrors.WrapConfiguration(err)
		}
		resources = versioned
	}

	labels := map[string]string{constants.LabelReleaseName: req.ReleaseName}
	for i := range resources {
		if !resources[i].IsWorkload() || resources[i].IsDirectApply() {
			continue
		}
		if err := resources[i].AddPodTemplateLabels(labels); err != nil {
			return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to label %s: %w", resources[i].ID.Ref(), err))
		}
	}
	return resources, nil
}

func (c *Coordinator) finish(ctx context.Context, logger logr.Logger, req Request, history *release.History, rel *release.Release, result *Result, status release.Status) error {
	result.Status = status
	return deploy.FinishRelease(ctx, logger, c.store, req.ReleaseName, history, rel, status, c.now())
}

func (c *Coordinator) rollback(ctx context.Context, logger logr.Logger, req Request, rel *release.Release, result *Result) error {
	number := rel.Number
	rb, err := c.rollbacker.Rollback(ctx, logger, rollback.Request{
		ReleaseName:     req.ReleaseName,
		Namespace:       req.Namespace,
		ReleaseNumber:   &number,
		Timeout:         req.Timeout,
		SkipSteadyState: req.SkipSteadyState,
	})
	result.Rollback = rb
	if err != nil {
		return fmt.Errorf("rollback of release %d failed: %w", rel.Number, err)
	}
	return nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return constants.DefaultSteadyStateTimeout
	}
	return d
}
