package kube

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// Revision implements interfaces.ClusterExecutor.
func (e *ClientExecutor) Revision(ctx context.Context, id manifest.ResourceID) (string, error) {
	kind, ok := manifest.WorkloadKindOf(id.Kind)
	if !ok || !kind.SupportsRevisions() {
		return "", nil
	}

	key := types.NamespacedName{Namespace: id.Namespace, Name: id.Name}
	switch kind {
	case manifest.WorkloadDeployment:
		dep := &appsv1.Deployment{}
		if err := e.client.Get(ctx, key, dep); err != nil {
			return "", e.readError(id, err)
		}
		return dep.Annotations[constants.AnnotationDeploymentRevision], nil

	case manifest.WorkloadStatefulSet:
		sts := &appsv1.StatefulSet{}
		if err := e.client.Get(ctx, key, sts); err != nil {
			return "", e.readError(id, err)
		}
		revs, err := e.controllerRevisions(ctx, sts, sts.Spec.Selector)
		if err != nil {
			return "", err
		}
		for _, rev := range revs {
			if rev.Name == sts.Status.UpdateRevision {
				return strconv.FormatInt(rev.Revision, 10), nil
			}
		}
		return latestRevision(revs), nil

	case manifest.WorkloadDaemonSet:
		ds := &appsv1.DaemonSet{}
		if err := e.client.Get(ctx, key, ds); err != nil {
			return "", e.readError(id, err)
		}
		revs, err := e.controllerRevisions(ctx, ds, ds.Spec.Selector)
		if err != nil {
			return "", err
		}
		return latestRevision(revs), nil

	case manifest.WorkloadDeploymentConfig:
		dc, err := e.GetLive(ctx, id)
		if err != nil || dc == nil {
			return "", err
		}
		v, found, err := unstructured.NestedInt64(dc.Object, "status", "latestVersion")
		if err != nil || !found {
			return "", nil
		}
		return strconv.FormatInt(v, 10), nil
	}
	return "", nil
}

func (e *ClientExecutor) readError(id manifest.ResourceID, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%s not found", id.Ref())
	}
	return kerrors.WrapTransport(fmt.Errorf("get %s: %w", id.Ref(), err))
}

func latestRevision(revs []appsv1.ControllerRevision) string {
	if len(revs) == 0 {
		return ""
	}
	return strconv.FormatInt(revs[len(revs)-1].Revision, 10)
}

// controllerRevisions returns the ControllerRevisions owned by owner, oldest first.
func (e *ClientExecutor) controllerRevisions(ctx context.Context, owner client.Object, selector *metav1.LabelSelector) ([]appsv1.ControllerRevision, error) {
	list := &appsv1.ControllerRevisionList{}
	opts := []client.ListOption{client.InNamespace(owner.GetNamespace())}
	if selector != nil && len(selector.MatchLabels) > 0 {
		opts = append(opts, client.MatchingLabels(selector.MatchLabels))
	}
	if err := e.client.List(ctx, list, opts...); err != nil {
		return nil, kerrors.WrapTransport(fmt.Errorf("failed to list ControllerRevisions for %s/%s: %w", owner.GetNamespace(), owner.GetName(), err))
	}

	var owned []appsv1.ControllerRevision
	for _, rev := range list.Items {
		if metav1.IsControlledBy(&rev, owner) {
			owned = append(owned, rev)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].Revision < owned[j].Revision })
	return owned, nil
}

// RolloutUndo implements interfaces.ClusterExecutor.
func (e *ClientExecutor) RolloutUndo(ctx context.Context, id manifest.ResourceID, revision string) (interfaces.ExecResult, error) {
	kind, ok := manifest.WorkloadKindOf(id.Kind)
	if !ok || !kind.SupportsRevisions() {
		return interfaces.ExecResult{Success: false, Output: fmt.Sprintf("%s does not support rollout undo", id.KindName())}, nil
	}
	if revision == "" {
		return interfaces.ExecResult{Success: false, Output: fmt.Sprintf("no revision recorded for %s", id.KindName())}, nil
	}

	key := types.NamespacedName{Namespace: id.Namespace, Name: id.Name}
	switch kind {
	case manifest.WorkloadDeployment:
		return e.undoDeployment(ctx, id, key, revision)
	case manifest.WorkloadStatefulSet:
		sts := &appsv1.StatefulSet{}
		if err := e.client.Get(ctx, key, sts); err != nil {
			return e.outcome("rolled back", id, err)
		}
		return e.undoFromControllerRevision(ctx, id, sts, sts.Spec.Selector, revision)
	case manifest.WorkloadDaemonSet:
		ds := &appsv1.DaemonSet{}
		if err := e.client.Get(ctx, key, ds); err != nil {
			return e.outcome("rolled back", id, err)
		}
		return e.undoFromControllerRevision(ctx, id, ds, ds.Spec.Selector, revision)
	default:
		return e.undoDeploymentConfig(ctx, id, revision)
	}
}

func revisionNotFound(id manifest.ResourceID, revision string) interfaces.ExecResult {
	return interfaces.ExecResult{
		Success: false,
		Output:  fmt.Sprintf("unable to find specified revision %s in history of %s", revision, id.KindName()),
	}
}

func (e *ClientExecutor) undoDeployment(ctx context.Context, id manifest.ResourceID, key types.NamespacedName, revision string) (interfaces.ExecResult, error) {
	dep := &appsv1.Deployment{}
	if err := e.client.Get(ctx, key, dep); err != nil {
		return e.outcome("rolled back", id, err)
	}

	list := &appsv1.ReplicaSetList{}
	opts := []client.ListOption{client.InNamespace(dep.Namespace)}
	if dep.Spec.Selector != nil && len(dep.Spec.Selector.MatchLabels) > 0 {
		opts = append(opts, client.MatchingLabels(dep.Spec.Selector.MatchLabels))
	}
	if err := e.client.List(ctx, list, opts...); err != nil {
		return interfaces.ExecResult{}, kerrors.WrapTransport(fmt.Errorf("failed to list ReplicaSets for %s: %w", id.Ref(), err))
	}

	var target *appsv1.ReplicaSet
	for i := range list.Items {
		rs := &list.Items[i]
		if metav1.IsControlledBy(rs, dep) && rs.Annotations[constants.AnnotationDeploymentRevision] == revision {
			target = rs
			break
		}
	}
	if target == nil {
		return revisionNotFound(id, revision), nil
	}

	template := target.Spec.Template.DeepCopy()
	delete(template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)

	base := dep.DeepCopy()
	dep.Spec.Template = *template
	if err := e.client.Patch(ctx, dep, client.MergeFrom(base)); err != nil {
		return e.outcome("rolled back", id, err)
	}
	return interfaces.ExecResult{Success: true, Output: fmt.Sprintf("%s rolled back to revision %s", id.KindName(), revision)}, nil
}

func (e *ClientExecutor) undoFromControllerRevision(ctx context.Context, id manifest.ResourceID, owner client.Object, selector *metav1.LabelSelector, revision string) (interfaces.ExecResult, error) {
	want, err := strconv.ParseInt(revision, 10, 64)
	if err != nil {
		return interfaces.ExecResult{Success: false, Output: fmt.Sprintf("invalid revision %q for %s", revision, id.KindName())}, nil
	}

	revs, err := e.controllerRevisions(ctx, owner, selector)
	if err != nil {
		return interfaces.ExecResult{}, err
	}
	for _, rev := range revs {
		if rev.Revision != want {
			continue
		}
		if err := e.client.Patch(ctx, owner, client.RawPatch(types.StrategicMergePatchType, rev.Data.Raw)); err != nil {
			return e.outcome("rolled back", id, err)
		}
		return interfaces.ExecResult{Success: true, Output: fmt.Sprintf("%s rolled back to revision %s", id.KindName(), revision)}, nil
	}
	return revisionNotFound(id, revision), nil
}

func (e *ClientExecutor) undoDeploymentConfig(ctx context.Context, id manifest.ResourceID, revision string) (interfaces.ExecResult, error) {
	dc, err := e.GetLive(ctx, id)
	if err != nil {
		return interfaces.ExecResult{}, err
	}
	if dc == nil {
		return interfaces.ExecResult{Success: false, Output: fmt.Sprintf("%s not found", id.Ref())}, nil
	}

	rc := &corev1.ReplicationController{}
	rcKey := types.NamespacedName{Namespace: id.Namespace, Name: fmt.Sprintf("%s-%s", id.Name, revision)}
	if err := e.client.Get(ctx, rcKey, rc); err != nil {
		if apierrors.IsNotFound(err) {
			return revisionNotFound(id, revision), nil
		}
		return e.outcome("rolled back", id, err)
	}
	if rc.Spec.Template == nil {
		return revisionNotFound(id, revision), nil
	}

	template := rc.Spec.Template.DeepCopy()
	delete(template.Labels, "deployment")
	for k := range template.Annotations {
		if strings.HasPrefix(k, "openshift.io/deployment.") {
			delete(template.Annotations, k)
		}
	}
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(template)
	if err != nil {
		return interfaces.ExecResult{}, fmt.Errorf("failed to convert template of %s: %w", rcKey, err)
	}
	unstructured.RemoveNestedField(raw, "metadata", "creationTimestamp")
	if err := unstructured.SetNestedMap(dc.Object, raw, "spec", "template"); err != nil {
		return interfaces.ExecResult{}, err
	}
	if err := e.client.Update(ctx, dc); err != nil {
		return e.outcome("rolled back", id, err)
	}
	return interfaces.ExecResult{Success: true, Output: fmt.Sprintf("%s rolled back to revision %s", id.KindName(), revision)}, nil
}
