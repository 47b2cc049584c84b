// Package deploy holds the plumbing shared by the deployment strategy coordinators:
// release bookkeeping, the apply step, revision capture, pod enumeration and metrics.
package deploy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

// Strategy names used in logs and metrics.
const (
	StrategyRolling   = "rolling"
	StrategyRollback  = "rollback"
	StrategyCanary    = "canary"
	StrategyBlueGreen = "bluegreen"
)

// SteadyStateChecker waits for workloads to become healthy. *steadystate.Checker implements it.
type SteadyStateChecker interface {
	Check(ctx context.Context, logger logr.Logger, req steadystate.Request) (bool, error)
}

// Clock returns the current time. Coordinators take one so tests can pin timestamps.
type Clock func() time.Time

// OperationLogger tags logger with a fresh operation ID plus the strategy and release name.
func OperationLogger(logger logr.Logger, strategy, releaseName string) logr.Logger {
	return logger.WithValues("operationID", uuid.NewString(), "strategy", strategy, "release", releaseName)
}

// StartRelease loads the history for name, closes any stale in-progress release, opens a
// new one and persists the result before returning it.
func StartRelease(ctx context.Context, logger logr.Logger, store release.Store, name string, now time.Time) (*release.History, *release.Release, error) {
	history, err := store.Get(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read release history %q: %w", name, err)
	}

	rel, closed := history.StartNewRelease(now)
	for _, n := range closed {
		logger.Info("Marked stale in-progress release as failed", "releaseNumber", n)
	}

	if err := store.Save(ctx, name, history); err != nil {
		return nil, nil, fmt.Errorf("failed to save release history %q: %w", name, err)
	}

	logging.LogTransition(logger, logging.EventReleaseStarted, map[string]string{
		"releaseNumber": strconv.Itoa(rel.Number),
		"closedStale":   strconv.Itoa(len(closed)),
	})
	return history, rel, nil
}

// FinishRelease records the terminal status of rel and persists history.
func FinishRelease(ctx context.Context, logger logr.Logger, store release.Store, name string, history *release.History, rel *release.Release, status release.Status, now time.Time) error {
	if err := history.FinishRelease(rel.Number, status, now); err != nil {
		return err
	}
	if err := store.Save(ctx, name, history); err != nil {
		return fmt.Errorf("failed to save release history %q: %w", name, err)
	}

	logging.LogTransition(logger, logging.EventReleaseFinished, map[string]string{
		"releaseNumber": strconv.Itoa(rel.Number),
		"status":        string(status),
	})
	return nil
}
