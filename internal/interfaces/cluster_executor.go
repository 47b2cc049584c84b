// Package interfaces defines service interfaces for dependency injection.
// This package enables loose coupling between components and facilitates testing.
package interfaces

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/dc-tec/kdeploy/internal/manifest"
)

// ExecResult is the outcome of one cluster operation. Success=false with a nil error
// means the cluster rejected the request; Output carries the raw message for logging.
type ExecResult struct {
	Success bool
	Output  string
}

// ClusterExecutor issues operations against one target cluster.
// Errors returned from any method are transport errors; callers do not retry them
// within an attempt.
type ClusterExecutor interface {
	// Apply submits resources in order and stops at the first rejection.
	Apply(ctx context.Context, resources []manifest.Resource) (ExecResult, error)

	// DryRun validates resources server-side without persisting them.
	DryRun(ctx context.Context, resources []manifest.Resource) (ExecResult, error)

	// Delete removes one resource. Deleting an absent resource succeeds.
	Delete(ctx context.Context, id manifest.ResourceID) (ExecResult, error)

	// GetLive returns the live object, or nil when it does not exist.
	GetLive(ctx context.Context, id manifest.ResourceID) (*unstructured.Unstructured, error)

	// Revision returns the current rollout revision of a managed workload.
	// Kinds without a revision mechanism return an empty string.
	Revision(ctx context.Context, id manifest.ResourceID) (string, error)

	// RolloutUndo rolls a managed workload back to the given revision.
	RolloutUndo(ctx context.Context, id manifest.ResourceID, revision string) (ExecResult, error)

	// Scale sets the replica count of a workload.
	Scale(ctx context.Context, id manifest.ResourceID, replicas int32) (ExecResult, error)

	// GetService returns the named service, or nil when it does not exist.
	GetService(ctx context.Context, namespace, name string) (*corev1.Service, error)

	// ReplaceService overwrites a live service with svc.
	ReplaceService(ctx context.Context, svc *corev1.Service) (ExecResult, error)

	// Describe renders the live state and recent events of resources for diagnostics.
	Describe(ctx context.Context, ids []manifest.ResourceID) (ExecResult, error)

	// ListPods returns the pods in namespace matching every label in selector.
	ListPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)
}
