// Package bluegreen deploys a workload to the idle color and promotes it by swapping
// service selectors.
//
// The primary color is whatever the live primary service selects. A deployment always
// targets the other, stage, color; the stage service selects it so the new pods can be
// verified before promotion.
package bluegreen

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

// Request describes one blue-green deployment.
type Request struct {
	ReleaseName string
	Namespace   string
	Resources   []manifest.Resource
	Timeout     time.Duration

	SkipDryRun      bool
	SkipSteadyState bool
	SkipVersioning  bool
	// Prune deletes what stale stage releases left behind once the stage is steady.
	Prune bool
}

// Result is the outcome of a blue-green deployment.
type Result struct {
	ReleaseNumber  int
	Status         release.Status
	PrimaryColor   string
	StageColor     string
	Workload       manifest.ResourceID
	PrimaryService string
	StageService   string
	SteadyState    bool

	Cleanup prune.PrePruningInfo
	Pruned  prune.Report
	Pods    []deploy.PodInfo
}

// PromoteRequest names the services whose selectors are swapped.
type PromoteRequest struct {
	ReleaseName    string
	Namespace      string
	PrimaryService string
	// StageService defaults to PrimaryService with the stage suffix.
	StageService string
	// SkipScaleDown leaves the previous primary workload running.
	SkipScaleDown bool
}

// PromoteResult is the outcome of a promotion.
type PromoteResult struct {
	PrimaryColor string
	StageColor   string
	ScaleDown    prune.Report
}

// Coordinator runs blue-green deployments.
type Coordinator struct {
	executor interfaces.ClusterExecutor
	checker  deploy.SteadyStateChecker
	pruner   *prune.Pruner
	store    release.Store
	now      deploy.Clock
}

// NewCoordinator constructs a blue-green Coordinator.
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

// Deploy applies req.Resources to the stage color. Validation and color detection happen
// before anything is written. A stage that fails to apply or settle is reported through
// the Result; primary traffic is unaffected.
func (c *Coordinator) Deploy(ctx context.Context, logger logr.Logger, req Request) (*Result, error) {
	if req.ReleaseName == "" {
		return nil, kerrors.NewConfigError("Release name is required", "blue/green deployments track their history under the release name")
	}

	logger = deploy.OperationLogger(logger, deploy.StrategyBlueGreen, req.ReleaseName)
	metrics := deploy.NewMetrics(req.Namespace, req.ReleaseName, deploy.StrategyBlueGreen)
	metrics.SetInProgress(true)

	result, err := c.deploy(ctx, logger, req, metrics)
	if err == nil && result.Status == release.StatusSucceeded {
		metrics.Finish(deploy.ResultSucceeded)
	} else {
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
	svcs, err := selectServices(resources)
	if err != nil {
		return nil, err
	}

	primary, err := c.PrimaryColor(ctx, req.Namespace, svcs.primary.ID.Name)
	if err != nil {
		return nil, err
	}
	if primary == ColorUnknown {
		return nil, conflictingService(svcs.primary.ID.Name)
	}
	stage := OppositeColor(primary)
	logger = logger.WithValues("primaryColor", primary, "stageColor", stage)
	logger.Info("Detected colors", "primaryService", svcs.primary.ID.Name, "stageService", svcs.stage.ID.Name)

	applied, workload, err := c.stageResources(ctx, req, resources, base, svcs, primary, stage)
	if err != nil {
		return nil, err
	}

	history, rel, err := deploy.StartRelease(ctx, logger, c.store, req.ReleaseName, c.now())
	if err != nil {
		return nil, err
	}
	rel.Color = stage
	rel.SetResources(applied)

	info, err := c.pruner.CleanupForBlueGreen(ctx, logger, history, primary, stage)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, req.ReleaseName, history); err != nil {
		return nil, fmt.Errorf("failed to save release history %q: %w", req.ReleaseName, err)
	}
	metrics.SetReleaseNumber(rel.Number)
	logger = logger.WithValues("releaseNumber", rel.Number)

	result := &Result{
		ReleaseNumber:  rel.Number,
		Status:         release.StatusInProgress,
		PrimaryColor:   primary,
		StageColor:     stage,
		Workload:       workload.ID,
		PrimaryService: svcs.primary.ID.Name,
		StageService:   svcs.stage.ID.Name,
		Cleanup:        info,
	}

	before, err := c.Pods(ctx, req.Namespace, req.ReleaseName, stage, nil)
	if err != nil {
		logger.Info("Failed to list stage pods before deployment", "error", err.Error())
	}

	outcome, err := deploy.Apply(ctx, logger, c.executor, applied, req.SkipDryRun)
	if err != nil {
		if ferr := c.finish(ctx, logger, req.ReleaseName, history, rel, result, release.StatusFailed); ferr != nil {
			logger.Error(ferr, "Failed to record failed release")
		}
		return result, fmt.Errorf("failed to apply release %d: %w", rel.Number, err)
	}
	if !outcome.Applied {
		return result, c.finish(ctx, logger, req.ReleaseName, history, rel, result, release.StatusFailed)
	}

	managed, custom := deploy.SteadyStateTargets([]manifest.Resource{workload})
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
		if ferr := c.finish(ctx, logger, req.ReleaseName, history, rel, result, release.StatusFailed); ferr != nil {
			logger.Error(ferr, "Failed to record failed release")
		}
		return result, err
	}
	result.SteadyState = steady

	if err := deploy.CaptureRevisions(ctx, logger, c.executor, rel); err != nil {
		logger.Error(err, "Failed to capture stage revision")
	}

	if !steady {
		deploy.DescribeFailure(ctx, logger, c.executor, []manifest.ResourceID{workload.ID})
		return result, c.finish(ctx, logger, req.ReleaseName, history, rel, result, release.StatusFailed)
	}

	if req.Prune {
		result.Pruned = c.pruner.PruneForBlueGreen(ctx, logger, info, primary, stage, rel)
	}
	if err := c.finish(ctx, logger, req.ReleaseName, history, rel, result, release.StatusSucceeded); err != nil {
		return result, err
	}

	after, err := c.Pods(ctx, req.Namespace, req.ReleaseName, stage, before)
	if err != nil {
		logger.Info("Failed to list stage pods after deployment", "error", err.Error())
		return result, nil
	}
	result.Pods = after
	return result, nil
}

// stageResources builds the resource set applied for the stage color. The primary service
// is only applied when it does not exist yet, so a live primary keeps routing to the
// primary color until promotion.
func (c *Coordinator) stageResources(ctx context.Context, req Request, resources []manifest.Resource, base manifest.Resource, svcs services, primary, stage string) ([]manifest.Resource, manifest.Resource, error) {
	workload, err := colorWorkload(base, stage)
	if err != nil {
		return nil, manifest.Resource{}, err
	}
	if err := workload.AddPodTemplateLabels(map[string]string{constants.LabelReleaseName: req.ReleaseName}); err != nil {
		return nil, manifest.Resource{}, err
	}

	primarySvc, err := colorService(svcs.primary, primary)
	if err != nil {
		return nil, manifest.Resource{}, err
	}
	stageSvc, err := colorService(svcs.stage, stage)
	if err != nil {
		return nil, manifest.Resource{}, err
	}
	live, err := c.executor.GetService(ctx, req.Namespace, svcs.primary.ID.Name)
	if err != nil {
		return nil, manifest.Resource{}, fmt.Errorf("failed to read service %s/%s: %w", req.Namespace, svcs.primary.ID.Name, err)
	}

	applied := make([]manifest.Resource, 0, len(resources)+1)
	stageSeen := false
	for _, r := range resources {
		switch {
		case r.ID.SameObject(base.ID):
			applied = append(applied, workload)
		case r.ID.SameObject(svcs.primary.ID):
			if live == nil {
				applied = append(applied, primarySvc)
			}
		case r.ID.SameObject(svcs.stage.ID):
			applied = append(applied, stageSvc)
			stageSeen = true
		default:
			companion, _, err := colorCompanion(r, base, workload, stage)
			if err != nil {
				return nil, manifest.Resource{}, fmt.Errorf("failed to color %s: %w", r.ID.Ref(), err)
			}
			applied = append(applied, companion)
		}
	}
	if !stageSeen {
		applied = append(applied, stageSvc)
	}
	return applied, workload, nil
}

func (c *Coordinator) finish(ctx context.Context, logger logr.Logger, name string, history *release.History, rel *release.Release, result *Result, status release.Status) error {
	result.Status = status
	return deploy.FinishRelease(ctx, logger, c.store, name, history, rel, status, c.now())
}

// Promote swaps the primary and stage service selectors so the stage color takes traffic,
// then scales the previous primary color down to zero.
func (c *Coordinator) Promote(ctx context.Context, logger logr.Logger, req PromoteRequest) (*PromoteResult, error) {
	if req.PrimaryService == "" {
		return nil, kerrors.NewConfigError("Primary service name is required", "promotion swaps the selectors of the primary and stage services")
	}
	stageService := req.StageService
	if stageService == "" {
		stageService = req.PrimaryService + constants.StageServiceSuffix
	}
	logger = deploy.OperationLogger(logger, deploy.StrategyBlueGreen, req.ReleaseName)

	oldPrimary, err := c.PrimaryColor(ctx, req.Namespace, req.PrimaryService)
	if err != nil {
		return nil, err
	}
	if oldPrimary == ColorUnknown {
		return nil, conflictingService(req.PrimaryService)
	}

	if err := c.SwapServiceSelectors(ctx, logger, req.Namespace, req.PrimaryService, stageService); err != nil {
		return nil, err
	}
	result := &PromoteResult{PrimaryColor: OppositeColor(oldPrimary), StageColor: oldPrimary}
	logger.Info("Promoted stage color", "primaryColor", result.PrimaryColor, "stageColor", result.StageColor)

	if req.SkipScaleDown {
		return result, nil
	}
	history, err := c.store.Get(ctx, req.ReleaseName)
	if err != nil {
		return result, fmt.Errorf("failed to read release history %q: %w", req.ReleaseName, err)
	}
	old := history.LatestReleaseWithColor(oldPrimary)
	if old == nil {
		logger.Info("No release found for previous primary color, nothing to scale down", "color", oldPrimary)
		return result, nil
	}
	result.ScaleDown = c.pruner.ScaleDownStage(ctx, logger, old, oldPrimary)
	return result, nil
}

// Pods returns the pods of releaseName running color, tagged new relative to before.
func (c *Coordinator) Pods(ctx context.Context, namespace, releaseName, color string, before []deploy.PodInfo) ([]deploy.PodInfo, error) {
	pods, err := deploy.ListPods(ctx, c.executor, namespace, map[string]string{
		constants.LabelColor:       color,
		constants.LabelReleaseName: releaseName,
	})
	if err != nil {
		return nil, err
	}
	return deploy.TagNewPods(pods, before), nil
}
