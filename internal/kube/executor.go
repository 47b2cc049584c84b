package kube

import (
	"context"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// ClientExecutor implements interfaces.ClusterExecutor with a controller-runtime client.
type ClientExecutor struct {
	client     client.Client
	fieldOwner string
}

var _ interfaces.ClusterExecutor = (*ClientExecutor)(nil)

// NewClientExecutor constructs a ClientExecutor. Server-side apply uses fieldOwner as field manager.
func NewClientExecutor(c client.Client, fieldOwner string) *ClientExecutor {
	if fieldOwner == "" {
		fieldOwner = constants.FieldOwner
	}
	return &ClientExecutor{client: c, fieldOwner: fieldOwner}
}

func (e *ClientExecutor) resolver() GVKResolver {
	if mapper := e.client.RESTMapper(); mapper != nil {
		return mapper
	}
	return nil
}

// rejected reports whether the API server refused the request itself, as opposed to
// failing to serve it. Rejections are reported as unsuccessful results, everything else
// is a transport error.
func rejected(err error) bool {
	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return false
	}
	code := status.Status().Code
	return code >= 400 && code < 500 && code != 429
}

func (e *ClientExecutor) outcome(action string, id manifest.ResourceID, err error) (interfaces.ExecResult, error) {
	if err == nil {
		return interfaces.ExecResult{Success: true, Output: fmt.Sprintf("%s %s", id.KindName(), action)}, nil
	}
	if meta.IsNoMatchError(err) || kerrors.IsKindNotRegistered(err) {
		return interfaces.ExecResult{}, kerrors.WrapKindNotRegistered(fmt.Errorf("%s %s: %w", action, id.Ref(), err))
	}
	if rejected(err) {
		return interfaces.ExecResult{Success: false, Output: fmt.Sprintf("%s %s: %v", action, id.Ref(), err)}, nil
	}
	return interfaces.ExecResult{}, kerrors.WrapTransport(fmt.Errorf("%s %s: %w", action, id.Ref(), err))
}

func (e *ClientExecutor) apply(ctx context.Context, resources []manifest.Resource, dryRun bool) (interfaces.ExecResult, error) {
	action := "configured"
	opts := []client.ApplyOption{
		client.ForceOwnership,
		client.FieldOwner(e.fieldOwner),
	}
	if dryRun {
		action = "configured (server dry run)"
		opts = append(opts, client.DryRunAll)
	}

	var lines []string
	for _, r := range resources {
		applyConfig, err := ToApplyConfiguration(r)
		if err != nil {
			return interfaces.ExecResult{}, kerrors.WrapConfiguration(err)
		}
		res, err := e.outcome(action, r.ID, e.client.Apply(ctx, applyConfig, opts...))
		if err != nil {
			return res, err
		}
		lines = append(lines, res.Output)
		if !res.Success {
			return interfaces.ExecResult{Success: false, Output: strings.Join(lines, "\n")}, nil
		}
	}
	return interfaces.ExecResult{Success: true, Output: strings.Join(lines, "\n")}, nil
}

// Apply implements interfaces.ClusterExecutor.
func (e *ClientExecutor) Apply(ctx context.Context, resources []manifest.Resource) (interfaces.ExecResult, error) {
	return e.apply(ctx, resources, false)
}

// DryRun implements interfaces.ClusterExecutor.
func (e *ClientExecutor) DryRun(ctx context.Context, resources []manifest.Resource) (interfaces.ExecResult, error) {
	return e.apply(ctx, resources, true)
}

// Delete implements interfaces.ClusterExecutor.
func (e *ClientExecutor) Delete(ctx context.Context, id manifest.ResourceID) (interfaces.ExecResult, error) {
	obj, err := objectFor(id, e.resolver())
	if err != nil {
		return e.outcome("deleted", id, err)
	}

	err = e.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
	if apierrors.IsNotFound(err) {
		return interfaces.ExecResult{Success: true, Output: fmt.Sprintf("%s already absent", id.KindName())}, nil
	}
	return e.outcome("deleted", id, err)
}

// GetLive implements interfaces.ClusterExecutor.
func (e *ClientExecutor) GetLive(ctx context.Context, id manifest.ResourceID) (*unstructured.Unstructured, error) {
	obj, err := objectFor(id, e.resolver())
	if err == nil {
		err = e.client.Get(ctx, types.NamespacedName{Namespace: id.Namespace, Name: id.Name}, obj)
	}
	switch {
	case err == nil:
		return obj, nil
	case apierrors.IsNotFound(err):
		return nil, nil
	case meta.IsNoMatchError(err):
		return nil, kerrors.WrapKindNotRegistered(fmt.Errorf("get %s: %w", id.Ref(), err))
	default:
		return nil, kerrors.WrapTransport(fmt.Errorf("get %s: %w", id.Ref(), err))
	}
}

// Scale implements interfaces.ClusterExecutor.
func (e *ClientExecutor) Scale(ctx context.Context, id manifest.ResourceID, replicas int32) (interfaces.ExecResult, error) {
	obj, err := objectFor(id, e.resolver())
	if err != nil {
		return e.outcome("scaled", id, err)
	}

	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	if err := e.client.Patch(ctx, obj, client.RawPatch(types.MergePatchType, patch)); err != nil {
		return e.outcome("scaled", id, err)
	}
	return interfaces.ExecResult{Success: true, Output: fmt.Sprintf("%s scaled to %d", id.KindName(), replicas)}, nil
}

// GetService implements interfaces.ClusterExecutor.
func (e *ClientExecutor) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	svc := &corev1.Service{}
	if err := e.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, svc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, kerrors.WrapTransport(fmt.Errorf("failed to get Service %s/%s: %w", namespace, name, err))
	}
	return svc, nil
}

// ReplaceService implements interfaces.ClusterExecutor.
func (e *ClientExecutor) ReplaceService(ctx context.Context, svc *corev1.Service) (interfaces.ExecResult, error) {
	id := manifest.ResourceID{Namespace: svc.Namespace, Kind: "Service", Name: svc.Name}
	return e.outcome("replaced", id, e.client.Update(ctx, svc))
}

// ListPods implements interfaces.ClusterExecutor.
func (e *ClientExecutor) ListPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	pods := &corev1.PodList{}
	if err := e.client.List(ctx, pods, client.InNamespace(namespace), client.MatchingLabels(selector)); err != nil {
		return nil, kerrors.WrapTransport(fmt.Errorf("failed to list pods in %s: %w", namespace, err))
	}
	return pods.Items, nil
}
