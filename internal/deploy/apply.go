package deploy

import (
	"context"
	"strconv"

	"github.com/go-logr/logr"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// ApplyOutcome is the result of the apply step.
type ApplyOutcome struct {
	// Applied is true when the cluster accepted every resource.
	Applied bool
	// Output is the executor output of the failing call, if any.
	Output string
}

// Apply validates resources with a server-side dry run, unless skipDryRun is set, and then
// applies them. A dry-run rejection is a configuration error because nothing was mutated.
// An apply rejection is reported through the outcome; transport failures are returned.
func Apply(ctx context.Context, logger logr.Logger, executor interfaces.ClusterExecutor, resources []manifest.Resource, skipDryRun bool) (ApplyOutcome, error) {
	if !skipDryRun {
		res, err := executor.DryRun(ctx, resources)
		if err != nil {
			return ApplyOutcome{}, err
		}
		if !res.Success {
			logger.Info("Dry run failed", "output", res.Output)
			return ApplyOutcome{Output: res.Output}, kerrors.NewConfigError("Dry run of the manifests failed", res.Output)
		}
		logger.V(1).Info("Dry run succeeded", "resources", len(resources))
	}

	logging.LogTransition(logger, logging.EventApplyStarted, map[string]string{
		"resources": strconv.Itoa(len(resources)),
	})
	res, err := executor.Apply(ctx, resources)
	if err != nil {
		logging.LogTransition(logger, logging.EventApplyFailed, map[string]string{"reason": err.Error()})
		return ApplyOutcome{}, err
	}
	if !res.Success {
		logging.LogTransition(logger, logging.EventApplyFailed, map[string]string{"reason": res.Output})
		return ApplyOutcome{Output: res.Output}, nil
	}
	return ApplyOutcome{Applied: true, Output: res.Output}, nil
}

// DescribeFailure logs the live state of ids to help diagnose a failed steady state check.
// Describe errors are logged and otherwise ignored.
func DescribeFailure(ctx context.Context, logger logr.Logger, executor interfaces.ClusterExecutor, ids []manifest.ResourceID) {
	if len(ids) == 0 {
		return
	}
	res, err := executor.Describe(ctx, ids)
	if err != nil {
		logger.Error(err, "Failed to describe workloads")
		return
	}
	logger.Info("Workload state after failed steady state check", "describe", res.Output)
}
