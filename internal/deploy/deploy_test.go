package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/kube"
	"github.com/dc-tec/kdeploy/internal/logging"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/release"
)

func workload(kind, name string, annotations map[string]string) manifest.Resource {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("apps/v1")
	obj.SetKind(kind)
	obj.SetName(name)
	obj.SetAnnotations(annotations)
	r, err := manifest.NewResource(obj, "default")
	if err != nil {
		panic(err)
	}
	return r
}

func TestStartReleaseClosesStaleAndPersists(t *testing.T) {
	store := release.NewMemoryStore()
	history := &release.History{}
	stale, _ := history.StartNewRelease(time.Unix(1, 0))
	require.NoError(t, store.Save(context.Background(), "app", history))

	rec := logging.NewRecorder()
	h, rel, err := StartRelease(context.Background(), rec.Logger(), store, "app", time.Unix(2, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, rel.Number)
	assert.Equal(t, release.StatusFailed, h.Release(stale.Number).Status)
	assert.Contains(t, rec.Events(), logging.EventReleaseStarted)

	saved, err := store.Get(context.Background(), "app")
	require.NoError(t, err)
	require.NotNil(t, saved.CurrentRelease())
	assert.Equal(t, 1, saved.CurrentRelease().Number)
}

func TestStartReleaseReadFailure(t *testing.T) {
	store := release.NewMemoryStore()
	store.GetErr = errors.New("secret read failed")

	_, _, err := StartRelease(context.Background(), logr.Discard(), store, "app", time.Now())
	require.Error(t, err)
	assert.Zero(t, store.SaveCalls)
}

func TestFinishRelease(t *testing.T) {
	store := release.NewMemoryStore()
	h, rel, err := StartRelease(context.Background(), logr.Discard(), store, "app", time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, FinishRelease(context.Background(), logr.Discard(), store, "app", h, rel, release.StatusSucceeded, time.Unix(2, 0)))

	saved, err := store.Get(context.Background(), "app")
	require.NoError(t, err)
	assert.Nil(t, saved.CurrentRelease())
	assert.Equal(t, release.StatusSucceeded, saved.Release(rel.Number).Status)
}

func TestEligibleWorkloads(t *testing.T) {
	resources := []manifest.Resource{
		workload("Deployment", "web", nil),
		workload("Deployment", "sidecar", map[string]string{constants.AnnotationDirectApply: "true"}),
		workload("ConfigMap", "cfg", nil),
		workload("Rollout", "custom", map[string]string{constants.AnnotationManagedWorkload: "true"}),
		workload("Rollout", "ignored", nil),
	}

	got := EligibleWorkloads(resources, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "web", got[0].ID.Name)
	assert.Equal(t, "custom", got[1].ID.Name)

	onlyManaged := EligibleWorkloads(resources, func(r manifest.Resource) bool { return r.ManagedWorkload })
	require.Len(t, onlyManaged, 1)
	assert.Equal(t, "web", onlyManaged[0].ID.Name)
}

func TestCaptureRevisions(t *testing.T) {
	exec := kube.NewMockExecutor()
	web := workload("Deployment", "web", nil)
	job := workload("Job", "migrate", nil)
	exec.Revisions["default/Deployment/web"] = "4"

	rel := &release.Release{}
	rel.SetResources([]manifest.Resource{web, job})

	require.NoError(t, CaptureRevisions(context.Background(), logr.Discard(), exec, rel))
	require.Len(t, rel.ManagedWorkloads, 2)
	assert.Equal(t, "4", rel.ManagedWorkloads[0].Revision)
	assert.Empty(t, rel.ManagedWorkloads[1].Revision)
}

func TestApply(t *testing.T) {
	resources := []manifest.Resource{workload("Deployment", "web", nil)}

	tests := []struct {
		name        string
		dryRun      func(context.Context, []manifest.Resource) (interfaces.ExecResult, error)
		apply       func(context.Context, []manifest.Resource) (interfaces.ExecResult, error)
		skipDryRun  bool
		wantApplied bool
		wantConfig  bool
		wantErr     bool
		wantCalls   []string
	}{
		{
			name:        "dry run then apply",
			wantApplied: true,
			wantCalls:   []string{"DryRun", "Apply"},
		},
		{
			name:        "dry run skipped",
			skipDryRun:  true,
			wantApplied: true,
			wantCalls:   []string{"Apply"},
		},
		{
			name: "dry run rejected",
			dryRun: func(context.Context, []manifest.Resource) (interfaces.ExecResult, error) {
				return interfaces.ExecResult{Output: "spec.replicas: invalid"}, nil
			},
			wantConfig: true,
			wantErr:    true,
			wantCalls:  []string{"DryRun"},
		},
		{
			name: "apply rejected",
			apply: func(context.Context, []manifest.Resource) (interfaces.ExecResult, error) {
				return interfaces.ExecResult{Output: "admission webhook denied"}, nil
			},
			wantCalls: []string{"DryRun", "Apply"},
		},
		{
			name: "apply transport failure",
			apply: func(context.Context, []manifest.Resource) (interfaces.ExecResult, error) {
				return interfaces.ExecResult{}, kerrors.WrapTransport(errors.New("connection refused"))
			},
			wantErr:   true,
			wantCalls: []string{"DryRun", "Apply"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := kube.NewMockExecutor()
			exec.DryRunFunc = tt.dryRun
			exec.ApplyFunc = tt.apply

			out, err := Apply(context.Background(), logr.Discard(), exec, resources, tt.skipDryRun)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantConfig, kerrors.IsConfiguration(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantApplied, out.Applied)

			var methods []string
			for _, c := range exec.Calls() {
				methods = append(methods, c.Method)
			}
			assert.Equal(t, tt.wantCalls, methods)
		})
	}
}

func TestPodsAndTagging(t *testing.T) {
	exec := kube.NewMockExecutor()
	pod := func(name, track string) corev1.Pod {
		return corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: map[string]string{constants.LabelTrack: track}},
			Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "web", Image: "nginx:1.27"}}},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.0.0.1"},
		}
	}
	exec.Pods = []corev1.Pod{pod("web-1", "stable"), pod("web-canary-1", "canary"), pod("web-canary-2", "canary")}

	canary, err := ListPods(context.Background(), exec, "default", map[string]string{constants.LabelTrack: "canary"})
	require.NoError(t, err)
	require.Len(t, canary, 2)
	assert.Equal(t, []string{"nginx:1.27"}, canary[0].Containers)

	tagged := TagNewPods(canary, []PodInfo{{Name: "web-canary-1", Namespace: "default"}})
	assert.False(t, tagged[0].New)
	assert.True(t, tagged[1].New)
	assert.False(t, canary[1].New, "input must not be modified")
}

func TestOperationLoggerTagsEachOperation(t *testing.T) {
	rec := logging.NewRecorder()

	OperationLogger(rec.Logger(), StrategyRolling, "web").Info("first")
	OperationLogger(rec.Logger(), StrategyRolling, "web").Info("second")

	entries := rec.Entries()
	require.Len(t, entries, 2)
	var ids []interface{}
	for _, e := range entries {
		id, ok := e.Value("operationID")
		require.True(t, ok)
		assert.NotEmpty(t, id)
		ids = append(ids, id)

		strategy, _ := e.Value("strategy")
		assert.Equal(t, StrategyRolling, strategy)
		name, _ := e.Value("release")
		assert.Equal(t, "web", name)
	}
	assert.NotEqual(t, ids[0], ids[1])
}
