package rolling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy/rollback"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/kube"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

const releaseName = "web"

// scriptedChecker returns its results in order and repeats the last one.
type scriptedChecker struct {
	mu       sync.Mutex
	results  []bool
	requests []steadystate.Request
}

func (s *scriptedChecker) Check(_ context.Context, _ logr.Logger, req steadystate.Request) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.results) == 0 {
		return true, nil
	}
	steady := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return steady, nil
}

type fakeRollbacker struct {
	requests []rollback.Request
	result   *rollback.Result
	err      error
}

func (f *fakeRollbacker) Rollback(_ context.Context, _ logr.Logger, req rollback.Request) (*rollback.Result, error) {
	f.requests = append(f.requests, req)
	if f.result == nil {
		return &rollback.Result{Succeeded: true}, f.err
	}
	return f.result, f.err
}

func deployment(name string) manifest.Resource {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]interface{}{"name": name, "namespace": "default"},
		"spec": map[string]interface{}{
			"replicas": int64(2),
			"selector": map[string]interface{}{"matchLabels": map[string]interface{}{"app": name}},
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{"labels": map[string]interface{}{"app": name}},
				"spec": map[string]interface{}{
					"containers": []interface{}{map[string]interface{}{"name": name, "image": "nginx:1.27"}},
				},
			},
		},
	}}
	r, err := manifest.NewResource(obj, "default")
	if err != nil {
		panic(err)
	}
	return r
}

func simple(kind, name string) manifest.Resource {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("v1")
	obj.SetKind(kind)
	obj.SetName(name)
	obj.SetNamespace("default")
	if kind == "ConfigMap" {
		obj.Object["data"] = map[string]interface{}{"key": "value"}
	}
	r, err := manifest.NewResource(obj, "default")
	if err != nil {
		panic(err)
	}
	return r
}

func pod(name string) corev1.Pod {
	return corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: map[string]string{constants.LabelReleaseName: releaseName}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

type fixture struct {
	exec       *kube.MockExecutor
	store      *release.MemoryStore
	checker    *scriptedChecker
	rollbacker *fakeRollbacker
	coord      *Coordinator
}

func newFixture(steady ...bool) *fixture {
	f := &fixture{
		exec:       kube.NewMockExecutor(),
		store:      release.NewMemoryStore(),
		checker:    &scriptedChecker{results: steady},
		rollbacker: &fakeRollbacker{},
	}
	f.coord = NewCoordinator(f.exec, f.checker, prune.NewPruner(f.exec, 0, 0), f.store, f.rollbacker).
		WithClock(func() time.Time { return time.Unix(1000, 0) })
	return f
}

func (f *fixture) seed(t *testing.T, releases ...*release.Release) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), releaseName, &release.History{Releases: releases}))
}

func (f *fixture) saved(t *testing.T) *release.History {
	t.Helper()
	h, err := f.store.Get(context.Background(), releaseName)
	require.NoError(t, err)
	return h
}

func newRelease(number int, status release.Status, resources ...manifest.Resource) *release.Release {
	r := &release.Release{Number: number, Status: status, StartedAt: time.Unix(int64(number), 0)}
	r.SetResources(resources)
	return r
}

func request(resources ...manifest.Resource) Request {
	return Request{ReleaseName: releaseName, Namespace: "default", Resources: resources, Timeout: time.Minute}
}

func TestDeploySucceeds(t *testing.T) {
	f := newFixture(true)
	web := deployment("web")
	f.exec.Revisions["default/Deployment/web"] = "3"
	rec := logging.NewRecorder()

	result, err := f.coord.Deploy(context.Background(), rec.Logger(), request(web, simple("ConfigMap", "settings"), simple("Service", "web")))
	require.NoError(t, err)

	assert.Equal(t, 0, result.ReleaseNumber)
	assert.Equal(t, release.StatusSucceeded, result.Status)
	assert.True(t, result.Applied)
	assert.True(t, result.SteadyState)
	assert.Nil(t, result.Rollback)
	assert.Empty(t, f.rollbacker.requests)

	h := f.saved(t)
	rel := h.Release(0)
	require.NotNil(t, rel)
	assert.Equal(t, release.StatusSucceeded, rel.Status)
	assert.Nil(t, h.CurrentRelease())
	require.Len(t, rel.ManagedWorkloads, 1)
	assert.Equal(t, "3", rel.ManagedWorkloads[0].Revision)

	var cm manifest.ResourceID
	for _, id := range rel.Resources {
		if id.Kind == "ConfigMap" {
			cm = id
		}
	}
	assert.True(t, cm.Versioned)
	assert.NotEqual(t, "settings", cm.Name)

	spec, ok := rel.Spec(web.ID)
	require.True(t, ok)
	labels, _, _ := unstructured.NestedStringMap(spec.Object.Object, "spec", "template", "metadata", "labels")
	assert.Equal(t, releaseName, labels[constants.LabelReleaseName])

	require.Len(t, f.checker.requests, 1)
	assert.Equal(t, []manifest.ResourceID{web.ID}, f.checker.requests[0].Managed)
	assert.Contains(t, rec.Events(), logging.EventApplyStarted)
	assert.Contains(t, rec.Events(), logging.EventReleaseFinished)
}

func TestDeploySkipVersioning(t *testing.T) {
	f := newFixture(true)
	req := request(deployment("web"), simple("ConfigMap", "settings"))
	req.SkipVersioning = true

	_, err := f.coord.Deploy(context.Background(), logr.Discard(), req)
	require.NoError(t, err)

	applies := f.exec.CallsTo("Apply")
	require.Len(t, applies, 1)
	assert.Contains(t, applies[0].IDs, manifest.ResourceID{Namespace: "default", Kind: "ConfigMap", Name: "settings"})
}

func TestDeploySteadyStateFailureRollsBack(t *testing.T) {
	f := newFixture(false)
	f.seed(t, newRelease(0, release.StatusSucceeded, deployment("web")))

	result, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
	require.NoError(t, err)

	assert.Equal(t, 1, result.ReleaseNumber)
	assert.Equal(t, release.StatusFailed, result.Status)
	assert.True(t, result.Applied)
	assert.False(t, result.SteadyState)
	require.NotNil(t, result.Rollback)

	require.Len(t, f.rollbacker.requests, 1)
	require.NotNil(t, f.rollbacker.requests[0].ReleaseNumber)
	assert.Equal(t, 1, *f.rollbacker.requests[0].ReleaseNumber)
	assert.Len(t, f.exec.CallsTo("Describe"), 1)
	assert.Equal(t, release.StatusFailed, f.saved(t).Release(1).Status)
}

func TestDeployApplyRejected(t *testing.T) {
	reject := func(_ context.Context, _ []manifest.Resource) (interfaces.ExecResult, error) {
		return interfaces.ExecResult{Success: false, Output: "admission webhook denied"}, nil
	}

	t.Run("first deployment is fatal", func(t *testing.T) {
		f := newFixture(true)
		f.exec.ApplyFunc = reject

		result, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
		require.Error(t, err)
		assert.ErrorIs(t, err, kerrors.ErrFirstDeploymentFailed)
		assert.Equal(t, release.StatusFailed, result.Status)
		assert.Empty(t, f.rollbacker.requests)
		assert.Empty(t, f.checker.requests)
		assert.Equal(t, release.StatusFailed, f.saved(t).Release(0).Status)
	})

	t.Run("later deployment rolls back", func(t *testing.T) {
		f := newFixture(true)
		f.seed(t, newRelease(0, release.StatusSucceeded, deployment("web")))
		f.exec.ApplyFunc = reject

		result, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
		require.NoError(t, err)
		assert.False(t, result.Applied)
		assert.Equal(t, release.StatusFailed, result.Status)
		assert.Len(t, f.rollbacker.requests, 1)
		assert.Empty(t, f.checker.requests)
	})
}

func TestDeployDryRunRejected(t *testing.T) {
	f := newFixture(true)
	f.exec.DryRunFunc = func(_ context.Context, _ []manifest.Resource) (interfaces.ExecResult, error) {
		return interfaces.ExecResult{Success: false, Output: "spec.replicas: Invalid value"}, nil
	}

	result, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
	require.Error(t, err)
	assert.True(t, kerrors.IsConfiguration(err))
	assert.Equal(t, release.StatusFailed, result.Status)
	assert.Empty(t, f.exec.CallsTo("Apply"))
	assert.Empty(t, f.rollbacker.requests)
}

func TestDeployApplyTransportError(t *testing.T) {
	f := newFixture(true)
	f.exec.ApplyFunc = func(_ context.Context, _ []manifest.Resource) (interfaces.ExecResult, error) {
		return interfaces.ExecResult{}, kerrors.WrapTransport(errors.New("connection refused"))
	}

	result, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
	require.Error(t, err)
	assert.True(t, kerrors.IsTransport(err))
	assert.Equal(t, release.StatusFailed, result.Status)
	assert.Empty(t, f.rollbacker.requests)
}

func TestDeployPrunesRemovedResources(t *testing.T) {
	f := newFixture(true)
	f.seed(t, newRelease(0, release.StatusSucceeded, deployment("web"), simple("Service", "legacy")))

	req := request(deployment("web"))
	req.Prune = true
	result, err := f.coord.Deploy(context.Background(), logr.Discard(), req)
	require.NoError(t, err)

	assert.Equal(t, release.StatusSucceeded, result.Status)
	assert.Equal(t, []manifest.ResourceID{{Namespace: "default", Kind: "Service", Name: "legacy"}}, result.Pruned.Deleted)
}

func TestDeployReportsNewPods(t *testing.T) {
	f := newFixture(true)
	listed := 0
	f.exec.ListPodsFunc = func(_ context.Context, _ string, _ map[string]string) ([]corev1.Pod, error) {
		listed++
		if listed == 1 {
			return []corev1.Pod{pod("web-old")}, nil
		}
		return []corev1.Pod{pod("web-old"), pod("web-new")}, nil
	}

	result, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
	require.NoError(t, err)

	require.Len(t, result.Pods, 2)
	assert.False(t, result.Pods[0].New)
	assert.True(t, result.Pods[1].New)
}

func TestDeployValidation(t *testing.T) {
	f := newFixture(true)

	_, err := f.coord.Deploy(context.Background(), logr.Discard(), Request{Resources: []manifest.Resource{deployment("web")}})
	assert.True(t, kerrors.IsConfiguration(err))

	_, err = f.coord.Deploy(context.Background(), logr.Discard(), Request{ReleaseName: releaseName})
	assert.True(t, kerrors.IsConfiguration(err))

	assert.Empty(t, f.exec.Calls())
	assert.Zero(t, f.store.SaveCalls)
}

func TestDeployRollsBackToRecordedRevision(t *testing.T) {
	f := newFixture(true, false)
	rb := rollback.NewCoordinator(f.exec, f.store, f.checker, prune.NewPruner(f.exec, 0, 0))
	f.coord.rollbacker = rb

	f.exec.Revisions["default/Deployment/web"] = "1"
	first, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
	require.NoError(t, err)
	require.Equal(t, release.StatusSucceeded, first.Status)

	f.exec.Revisions["default/Deployment/web"] = "2"
	second, err := f.coord.Deploy(context.Background(), logr.Discard(), request(deployment("web")))
	require.NoError(t, err)

	assert.Equal(t, release.StatusFailed, second.Status)
	require.NotNil(t, second.Rollback)
	require.NotNil(t, second.Rollback.TargetRelease)
	assert.Equal(t, 0, *second.Rollback.TargetRelease)

	undos := f.exec.CallsTo("RolloutUndo")
	require.Len(t, undos, 1)
	assert.Equal(t, "1", undos[0].Revision)
	assert.Equal(t, "2", f.saved(t).Release(1).ManagedWorkloads[0].Revision)
}
