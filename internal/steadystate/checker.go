// Package steadystate waits for applied workloads to become healthy.
//
// Managed workloads are judged by the rollout rules of their kind. Custom workloads
// are judged by a CEL expression declared in their kdeploy.io/steady-state-condition
// annotation, evaluated against the live object bound to the variable "object".
package steadystate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/cel-go/cel"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// errNotSteady stops the sibling check once one group has failed.
var errNotSteady = errors.New("workloads did not reach steady state")

// Request describes one steady state check.
type Request struct {
	Managed   []manifest.ResourceID
	Custom    []manifest.Resource
	Namespace string
	// Timeout is shared by both groups, measured from the start of Check.
	Timeout time.Duration
	// Skip returns success without contacting the cluster.
	Skip bool
}

// Checker polls the cluster until workloads are steady or the timeout expires.
type Checker struct {
	executor     interfaces.ClusterExecutor
	pollInterval time.Duration
	env          *cel.Env
}

// NewChecker constructs a Checker. A zero pollInterval uses the default.
func NewChecker(executor interfaces.ClusterExecutor, pollInterval time.Duration) (*Checker, error) {
	if pollInterval <= 0 {
		pollInterval = constants.SteadyStatePollInterval
	}
	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Checker{executor: executor, pollInterval: pollInterval, env: env}, nil
}

// Check reports whether every workload in req reached steady state within the timeout.
// A timeout or a failed workload returns false with a nil error. Errors are returned
// for invalid custom conditions, which are detected before the cluster is contacted,
// and for transport failures.
func (c *Checker) Check(ctx context.Context, logger logr.Logger, req Request) (bool, error) {
	started := time.Now()
	if req.Skip {
		logger.Info("Skipping steady state check")
		observeCheck(req.Namespace, resultSkipped, started)
		return true, nil
	}
	if len(req.Managed) == 0 && len(req.Custom) == 0 {
		logger.V(1).Info("No workloads to check; steady state is trivially reached")
		return true, nil
	}

	conditions := make([]*Condition, len(req.Custom))
	for i, r := range req.Custom {
		cond, err := CompileCondition(c.env, r)
		if err != nil {
			observeCheck(req.Namespace, resultError, started)
			return false, err
		}
		conditions[i] = cond
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultSteadyStateTimeout
	}
	logging.LogTransition(logger, logging.EventSteadyStateWaiting, map[string]string{
		"managed": strconv.Itoa(len(req.Managed)),
		"custom":  strconv.Itoa(len(req.Custom)),
		"timeout": timeout.String(),
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if len(req.Managed) > 0 {
		g.Go(func() error { return c.waitManaged(gctx, logger, req.Managed) })
	}
	if len(req.Custom) > 0 {
		g.Go(func() error { return c.waitCustom(gctx, logger, req.Custom, conditions) })
	}

	err := g.Wait()
	switch {
	case err == nil:
		logger.Info("Workloads reached steady state", "elapsed", time.Since(started).Round(time.Second).String())
		observeCheck(req.Namespace, resultSteady, started)
		return true, nil
	case errors.Is(err, errNotSteady), wait.Interrupted(err):
		logging.LogTransition(logger, logging.EventSteadyStateFailed, map[string]string{
			"elapsed": time.Since(started).Round(time.Second).String(),
			"reason":  err.Error(),
		})
		observeCheck(req.Namespace, resultNotSteady, started)
		return false, nil
	default:
		observeCheck(req.Namespace, resultError, started)
		return false, err
	}
}

func (c *Checker) waitManaged(ctx context.Context, logger logr.Logger, ids []manifest.ResourceID) error {
	done := make(map[manifest.ResourceID]bool, len(ids))

	return wait.PollUntilContextCancel(ctx, c.pollInterval, true, func(ctx context.Context) (bool, error) {
		for _, id := range ids {
			if done[id] {
				continue
			}
			kind, ok := manifest.WorkloadKindOf(id.Kind)
			if !ok {
				return false, fmt.Errorf("%s is not a managed workload", id.Ref())
			}

			live, err := c.executor.GetLive(ctx, id)
			if err != nil {
				return false, err
			}
			if live == nil {
				logger.V(1).Info("Waiting for workload to appear", "workload", id.Ref())
				return false, nil
			}

			state, err := managedReadiness(kind, live)
			if err != nil {
				return false, fmt.Errorf("failed to read status of %s: %w", id.Ref(), err)
			}
			switch state.phase {
			case phaseFailed:
				logger.Info("Workload failed to roll out", "workload", id.Ref(), "reason", state.message)
				return false, fmt.Errorf("%w: %s: %s", errNotSteady, id.Ref(), state.message)
			case phasePending:
				logger.V(1).Info("Waiting for workload", "workload", id.Ref(), "status", state.message)
				return false, nil
			}
			done[id] = true
		}
		return true, nil
	})
}

func (c *Checker) waitCustom(ctx context.Context, logger logr.Logger, resources []manifest.Resource, conditions []*Condition) error {
	done := make([]bool, len(resources))

	return wait.PollUntilContextCancel(ctx, c.pollInterval, true, func(ctx context.Context) (bool, error) {
		for i, r := range resources {
			if done[i] {
				continue
			}
			live, err := c.executor.GetLive(ctx, r.ID)
			if err != nil {
				return false, err
			}
			if live == nil {
				logger.V(1).Info("Waiting for custom workload to appear", "workload", r.ID.Ref())
				return false, nil
			}

			ok, err := conditions[i].Eval(live.Object)
			if err != nil {
				return false, fmt.Errorf("%w: %s: %v", errNotSteady, r.ID.Ref(), err)
			}
			if !ok {
				logger.V(1).Info("Waiting for custom workload", "workload", r.ID.Ref(), "condition", conditions[i].String())
				return false, nil
			}
			done[i] = true
		}
		return true, nil
	})
}
