// Package canary deploys a scaled-down copy of a workload next to the primary.
//
// The canary keeps its own release history under "<release>-canary" so that canary
// attempts never become rollback targets for the primary release.
package canary

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

// Request describes one canary deployment.
type Request struct {
	ReleaseName string
	Namespace   string
	Resources   []manifest.Resource
	Instances   InstanceSpec
	Timeout     time.Duration

	SkipDryRun      bool
	SkipSteadyState bool
	SkipVersioning  bool
}

// Result is the outcome of a canary deployment.
type Result struct {
	ReleaseNumber  int
	Status         release.Status
	Workload       manifest.ResourceID
	TargetReplicas int32
	SteadyState    bool
	// HistoryCleanup lists the versioned resources deleted with stale canary releases.
	HistoryCleanup prune.Report
	Pods           []deploy.PodInfo
}

// DeleteRequest selects the canary resources to delete. Resources, when set, are deleted
// as given. Otherwise Workload, the "kind/name" of the base workload, names the canary by
// suffix. With neither, the workloads of the latest finished canary release are deleted.
type DeleteRequest struct {
	ReleaseName string
	Namespace   string
	Resources   []string
	Workload    string
}

// Coordinator runs canary deployments.
type Coordinator struct {
	executor interfaces.ClusterExecutor
	checker  deploy.SteadyStateChecker
	pruner   *prune.Pruner
	store    release.Store
	now      deploy.Clock
}

// NewCoordinator constructs a canary Coordinator.
func NewCoordinator(executor interfaces.ClusterExecutor, checker deploy.SteadyStateChecker, pruner *prune.Pruner, store release.Store) *Coordinator {
	return &Coordinator{
		executor: executor,
		checker:  checker,
		pruner:   pruner,
		store:    store,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (c *Coordinator) WithClock(now deploy.Clock) *Coordinator {
	c.now = now
	return c
}

// HistoryName returns the release history name used for canaries of releaseName.
func HistoryName(releaseName string) string {
	return releaseName + constants.CanarySuffix
}

func podSelector(releaseName string) map[string]string {
	return map[string]string{
		constants.LabelTrack:       constants.LabelValueTrackCanary,
		constants.LabelReleaseName: releaseName,
	}
}

// Deploy applies the canary variant of the single workload in req.Resources together with
// the non-workload resources. A canary that fails to apply or settle is reported through
// the Result; removing it is left to Delete.
func (c *Coordinator) Deploy(ctx context.Context, logger logr.Logger, req Request) (*Result, error) {
	if req.ReleaseName == "" {
		return nil, kerrors.NewConfigError("Release name is required", "canary workloads are labelled with the release name")
	}

	logger = deploy.OperationLogger(logger, deploy.StrategyCanary, req.ReleaseName)
	metrics := deploy.NewMetrics(req.Namespace, req.ReleaseName, deploy.StrategyCanary)
	metrics.SetInProgress(true)

	result, err := c.deploy(ctx, logger, req, metrics)
	switch {
	case err == nil && result.Status == release.StatusSucceeded:
		metrics.Finish(deploy.ResultSucceeded)
	default:
		metrics.Finish(deploy.ResultFailed)
	}
	return result, err
}

func (c *Coordinator) deploy(ctx context.Context, logger logr.Logger, req Request, metrics *deploy.Metrics) (*Result, error) {
	resources := req.Resources
	if !req.SkipVersioning {
		versioned, err := manifest.AddVersionSuffix(resources)
		if err != nil {
			return nil, kerrors.WrapConfiguration(err)
		}
		resources = versioned
	}

	base, err := selectWorkload(resources)
	if err != nil {
		return nil, err
	}

	current, err := c.liveReplicas(ctx, logger, base)
	if err != nil {
		return nil, err
	}
	target, bumped := targetInstances(req.Instances, current)
	if bumped {
		logger.Info("Target instances computed to be less than 1. Bumped up to 1")
	}
	logger.Info("Computed canary target instances", "current", current, "target", target,
		"unit", string(req.Instances.Unit), "value", req.Instances.Value)

	canary, err := PrepareForCanary(resources, Options{ReleaseName: req.ReleaseName, TargetReplicas: target})
	if err != nil {
		return nil, err
	}

	applied := make([]manifest.Resource, 0, len(resources))
	for _, r := range resources {
		if r.ID.SameObject(base.ID) {
			applied = append(applied, canary)
			continue
		}
		applied = append(applied, r)
	}

	name := HistoryName(req.ReleaseName)
	history, rel, err := deploy.StartRelease(ctx, logger, c.store, name, c.now())
	if err != nil {
		return nil, err
	}
	rel.SetResources(applied)
	cleanup := c.pruner.CleanupHistory(ctx, logger, history, rel)
	if err := c.store.Save(ctx, name, history); err != nil {
		return nil, fmt.Errorf("failed to save release history %q: %w", name, err)
	}
	metrics.SetReleaseNumber(rel.Number)
	logger = logger.WithValues("releaseNumber", rel.Number, "canary", canary.ID.Ref())

	result := &Result{
		ReleaseNumber:  rel.Number,
		Status:         release.StatusInProgress,
		Workload:       canary.ID,
		TargetReplicas: target,
		HistoryCleanup: cleanup,
	}

	before, err := deploy.ListPods(ctx, c.executor, req.Namespace, podSelector(req.ReleaseName))
	if err != nil {
		logger.Info("Failed to list canary pods before deployment", "error", err.Error())
	}

	outcome, err := deploy.Apply(ctx, logger, c.executor, applied, req.SkipDryRun)
	if err != nil {
		if ferr := c.finish(ctx, logger, name, history, rel, result, release.StatusFailed); ferr != nil {
			logger.Error(ferr, "Failed to record failed release")
		}
		return result, fmt.Errorf("failed to apply canary release %d: %w", rel.Number, err)
	}
	if !outcome.Applied {
		return result, c.finish(ctx, logger, name, history, rel, result, release.StatusFailed)
	}

	managed, custom := deploy.SteadyStateTargets([]manifest.Resource{canary})
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultSteadyStateTimeout
	}
	steady, err := c.checker.Check(ctx, logger, steadystate.Request{
		Managed:   managed,
		Custom:    custom,
		Namespace: req.Namespace,
		Timeout:   timeout,
		Skip:      req.SkipSteadyState,
	})
	if err != nil {
		if ferr := c.finish(ctx, logger, name, history, rel, result, release.StatusFailed); ferr != nil {
			logger.Error(ferr, "Failed to record failed release")
		}
		return result, err
	}
	result.SteadyState = steady

	if err := deploy.CaptureRevisions(ctx, logger, c.executor, rel); err != nil {
		logger.Error(err, "Failed to capture canary revision")
	}

	if !steady {
		deploy.DescribeFailure(ctx, logger, c.executor, []manifest.ResourceID{canary.ID})
		return result, c.finish(ctx, logger, name, history, rel, result, release.StatusFailed)
	}
	if err := c.finish(ctx, logger, name, history, rel, result, release.StatusSucceeded); err != nil {
		return result, err
	}

	pods, err := c.Pods(ctx, req.Namespace, req.ReleaseName, before)
	if err != nil {
		logger.Info("Failed to list canary pods after deployment", "error", err.Error())
		return result, nil
	}
	result.Pods = pods
	return result, nil
}

// liveReplicas reads the replica count of the primary workload from the cluster. A
// primary that does not exist yet falls back to the manifest value.
func (c *Coordinator) liveReplicas(ctx context.Context, logger logr.Logger, base manifest.Resource) (int32, error) {
	live, err := c.executor.GetLive(ctx, base.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read live replicas of %s: %w", base.ID.Ref(), err)
	}
	if live != nil {
		if liveRes, err := manifest.NewResource(live, base.ID.Namespace); err == nil {
			if n, ok := liveRes.Replicas(); ok {
				return n, nil
			}
		}
	}
	n, _ := base.Replicas()
	logger.Info("Primary workload not found on the cluster, using manifest replicas", "workload", base.ID.Ref(), "replicas", n)
	return n, nil
}

func (c *Coordinator) finish(ctx context.Context, logger logr.Logger, name string, history *release.History, rel *release.Release, result *Result, status release.Status) error {
	result.Status = status
	return deploy.FinishRelease(ctx, logger, c.store, name, history, rel, status, c.now())
}

// Delete removes canary workloads. Release history read failures are returned, never
// treated as nothing to delete.
func (c *Coordinator) Delete(ctx context.Context, logger logr.Logger, req DeleteRequest) (prune.Report, error) {
	logger = deploy.OperationLogger(logger, deploy.StrategyCanary, req.ReleaseName)

	ids, err := c.canaryResources(ctx, logger, req)
	if err != nil {
		return prune.Report{}, err
	}
	if len(ids) == 0 {
		logger.Info("No canary workload found to delete")
		return prune.Report{}, nil
	}

	report := c.pruner.Delete(ctx, logger, prune.ArrangeInDeletionOrder(ids))
	logging.LogTransition(logger, logging.EventCanaryCleanup, map[string]string{
		"deleted": strconv.Itoa(len(report.Deleted)),
		"failed":  strconv.Itoa(len(report.Failed)),
	})
	return report, nil
}

func (c *Coordinator) canaryResources(ctx context.Context, logger logr.Logger, req DeleteRequest) ([]manifest.ResourceID, error) {
	if len(req.Resources) > 0 {
		ids := make([]manifest.ResourceID, 0, len(req.Resources))
		for _, ref := range req.Resources {
			id, err := manifest.ParseResourceRef(ref, req.Namespace)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	if req.Workload != "" {
		id, err := manifest.ParseResourceRef(req.Workload, req.Namespace)
		if err != nil {
			return nil, err
		}
		id.Name += constants.CanarySuffix
		logger.V(1).Info("Deleting canary by name", "workload", id.Ref())
		return []manifest.ResourceID{id}, nil
	}

	name := HistoryName(req.ReleaseName)
	history, err := c.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read release history %q: %w", name, err)
	}
	sorted := history.Sorted()
	for i := len(sorted) - 1; i >= 0; i-- {
		rel := sorted[i]
		if rel.Status == release.StatusInProgress {
			continue
		}
		logger.V(1).Info("Deleting canary workloads of release", "releaseNumber", rel.Number)
		return append(rel.ManagedIDs(), rel.CustomIDs()...), nil
	}
	return nil, nil
}

// Pods returns the canary pods of releaseName, tagged new relative to before.
func (c *Coordinator) Pods(ctx context.Context, namespace, releaseName string, before []deploy.PodInfo) ([]deploy.PodInfo, error) {
	pods, err := deploy.ListPods(ctx, c.executor, namespace, podSelector(releaseName))
	if err != nil {
		return nil, err
	}
	return deploy.TagNewPods(pods, before), nil
}
