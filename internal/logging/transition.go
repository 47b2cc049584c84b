// Package logging provides structured transition events and a capturing logger for tests.
package logging

import (
	"sort"

	"github.com/go-logr/logr"
)

// Transition event names emitted by the coordinators.
const (
	EventReleaseStarted     = "release_started"
	EventApplyStarted       = "apply_started"
	EventApplyFailed        = "apply_failed"
	EventSteadyStateWaiting = "steady_state_waiting"
	EventSteadyStateFailed  = "steady_state_failed"
	EventRollbackTriggered  = "rollback_triggered"
	EventRollbackFinished   = "rollback_finished"
	EventPruneSummary       = "prune_summary"
	EventHistoryCleanup     = "history_cleanup"
	EventSelectorSwap       = "selector_swap"
	EventScaleDown          = "scale_down"
	EventCanaryCleanup      = "canary_cleanup"
	EventReleaseFinished    = "release_finished"
)

// LogTransition logs a structured transition event. Transition events are tagged
// with "transition=true" so they can be filtered apart from diagnostics.
func LogTransition(logger logr.Logger, event string, fields map[string]string) {
	kvs := []interface{}{"transition", "true", "event", event}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kvs = append(kvs, k, fields[k])
	}

	logger.Info("Deployment transition", kvs...)
}
