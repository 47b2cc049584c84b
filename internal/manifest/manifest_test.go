package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/runtime"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

const sampleManifest = `
apiVersion: v1
kind: ConfigMap
metadata:
  name: app-config
data:
  LOG_LEVEL: debug
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: app
  namespace: prod
spec:
  replicas: 3
  selector:
    matchLabels:
      app: app
  template:
    metadata:
      labels:
        app: app
    spec:
      containers:
      - name: app
        image: nginx
        envFrom:
        - configMapRef:
            name: app-config
      volumes:
      - name: cfg
        configMap:
          name: app-config
---
---
apiVersion: v1
kind: List
items:
- apiVersion: v1
  kind: Namespace
  metadata:
    name: team-a
    namespace: should-be-dropped
- apiVersion: example.io/v1
  kind: Rollout
  metadata:
    name: custom
    annotations:
      kdeploy.io/managed-workload: "true"
      kdeploy.io/steady-state-condition: "object.status.ready == true"
`

func TestParse(t *testing.T) {
	resources, err := Parse([]byte(sampleManifest), "default")
	require.NoError(t, err)
	require.Len(t, resources, 4)

	assert.Equal(t, ResourceID{Namespace: "default", Kind: "ConfigMap", Name: "app-config"}, resources[0].ID)
	assert.False(t, resources[0].ManagedWorkload)

	assert.Equal(t, ResourceID{Namespace: "prod", Kind: "Deployment", Name: "app"}, resources[1].ID)
	assert.True(t, resources[1].ManagedWorkload)

	assert.Equal(t, ResourceID{Kind: "Namespace", Name: "team-a"}, resources[2].ID)
	assert.True(t, resources[2].ID.ClusterScoped())

	custom := resources[3]
	assert.False(t, custom.ManagedWorkload)
	assert.True(t, custom.IsCustomEligible())
	assert.True(t, custom.IsWorkload())
	cond, ok := custom.SteadyStateCondition()
	assert.True(t, ok)
	assert.Equal(t, "object.status.ready == true", cond)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata: {}\n"), "default")
	require.Error(t, err)
	assert.True(t, kerrors.IsConfiguration(err))
}

func TestParseResourceRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    ResourceID
		wantErr bool
	}{
		{name: "full ref", ref: "prod/Deployment/app", want: ResourceID{Namespace: "prod", Kind: "Deployment", Name: "app"}},
		{name: "kind and name", ref: "deployment/app", want: ResourceID{Namespace: "default", Kind: "Deployment", Name: "app"}},
		{name: "cluster scoped", ref: "namespace/team-a", want: ResourceID{Kind: "Namespace", Name: "team-a"}},
		{name: "wildcard name", ref: "prod/Deployment/*", wantErr: true},
		{name: "wildcard kind", ref: "*/app", wantErr: true},
		{name: "too few parts", ref: "app", wantErr: true},
		{name: "empty name", ref: "Deployment/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResourceRef(tt.ref, "default")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, kerrors.IsConfiguration(err))
				_, _, ok := kerrors.HintOf(err)
				assert.True(t, ok, "expected hint")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceIDRef(t *testing.T) {
	id := ResourceID{Namespace: "prod", Kind: "Deployment", Name: "app"}
	assert.Equal(t, "prod/Deployment/app", id.Ref())
	assert.Equal(t, "Deployment/app", id.KindName())
	assert.True(t, id.SameObject(ResourceID{Namespace: "prod", Kind: "Deployment", Name: "app", Versioned: true}))
	assert.NotEqual(t, id, ResourceID{Namespace: "prod", Kind: "Deployment", Name: "app", Versioned: true})
}

func TestWorkloadKinds(t *testing.T) {
	for _, kind := range []string{"Deployment", "StatefulSet", "DaemonSet", "Job", "DeploymentConfig"} {
		assert.True(t, IsManagedWorkloadKind(kind), kind)
	}
	assert.False(t, IsManagedWorkloadKind("Rollout"))
	assert.False(t, IsManagedWorkloadKind("deployment"))
	assert.True(t, WorkloadDeployment.SupportsRevisions())
	assert.False(t, WorkloadJob.SupportsRevisions())
	assert.False(t, WorkloadDaemonSet.Scalable())
}

func TestAddVersionSuffix(t *testing.T) {
	resources, err := Parse([]byte(sampleManifest), "prod")
	require.NoError(t, err)

	versioned, err := AddVersionSuffix(resources)
	require.NoError(t, err)
	require.Len(t, versioned, len(resources))

	cm := versioned[0]
	assert.True(t, cm.ID.Versioned)
	assert.True(t, strings.HasPrefix(cm.ID.Name, "app-config-"))
	assert.Equal(t, cm.ID.Name, cm.Object.GetName())
	assert.Equal(t, "app-config", resources[0].ID.Name, "input must not be mutated")

	var deploy appsv1.Deployment
	require.NoError(t, runtime.DefaultUnstructuredConverter.FromUnstructured(versioned[1].Object.Object, &deploy))
	assert.Equal(t, cm.ID.Name, deploy.Spec.Template.Spec.Volumes[0].ConfigMap.Name)
	assert.Equal(t, cm.ID.Name, deploy.Spec.Template.Spec.Containers[0].EnvFrom[0].ConfigMapRef.Name)
	assert.False(t, versioned[1].ID.Versioned)

	again, err := AddVersionSuffix(resources)
	require.NoError(t, err)
	assert.Equal(t, cm.ID.Name, again[0].ID.Name, "suffix must be deterministic")
}

func TestAddVersionSuffixSkipVersioning(t *testing.T) {
	doc := `
apiVersion: v1
kind: Secret
metadata:
  name: creds
  annotations:
    kdeploy.io/skip-versioning: "true"
stringData:
  password: hunter2
`
	resources, err := Parse([]byte(doc), "default")
	require.NoError(t, err)

	versioned, err := AddVersionSuffix(resources)
	require.NoError(t, err)
	assert.Equal(t, "creds", versioned[0].ID.Name)
	assert.False(t, versioned[0].ID.Versioned)
}

func TestAddVersionSuffixWithoutObject(t *testing.T) {
	doc := `
apiVersion: v1
kind: ConfigMap
metadata:
  name: parsed
data:
  mode: fast
`
	parsed, err := Parse([]byte(doc), "default")
	require.NoError(t, err)
	resources := append([]Resource{
		{ID: ResourceID{Namespace: "default", Kind: "ConfigMap", Name: "settings"}},
		{ID: ResourceID{Namespace: "default", Kind: "Deployment", Name: "web"}},
	}, parsed...)

	versioned, err := AddVersionSuffix(resources)
	require.NoError(t, err)
	require.Len(t, versioned, 3)
	assert.Equal(t, "settings", versioned[0].ID.Name)
	assert.False(t, versioned[0].ID.Versioned)
	assert.Nil(t, versioned[0].Object)
	assert.Nil(t, versioned[1].Object)
	assert.True(t, versioned[2].ID.Versioned)
}

func TestWorkloadFilters(t *testing.T) {
	doc := `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: sidecar
  annotations:
    kdeploy.io/direct-apply: "true"
---
apiVersion: example.io/v1
kind: Rollout
metadata:
  name: custom
  annotations:
    kdeploy.io/managed-workload: "true"
`
	resources, err := Parse([]byte(doc), "default")
	require.NoError(t, err)

	managed := ManagedWorkloads(resources)
	require.Len(t, managed, 1)
	assert.Equal(t, "web", managed[0].ID.Name)

	custom := CustomWorkloads(resources)
	require.Len(t, custom, 1)
	assert.Equal(t, "custom", custom[0].ID.Name)

	assert.True(t, ContainsID(IDs(resources), ResourceID{Namespace: "default", Kind: "Deployment", Name: "sidecar"}))
}
