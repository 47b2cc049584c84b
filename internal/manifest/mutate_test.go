package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const deploymentDoc = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  selector:
    matchLabels:
      app: web
  template:
    metadata:
      labels:
        app: web
    spec:
      containers:
      - name: web
        image: nginx
`

func parseOne(t *testing.T, doc string) Resource {
	t.Helper()
	resources, err := Parse([]byte(doc), "default")
	require.NoError(t, err)
	require.Len(t, resources, 1)
	return resources[0]
}

func TestRenameAndReplicas(t *testing.T) {
	r := parseOne(t, deploymentDoc)

	n, ok := r.Replicas()
	require.True(t, ok)
	assert.Equal(t, int32(1), n, "omitted replicas default to one")

	r.Rename("web-canary")
	require.NoError(t, r.SetReplicas(3))

	assert.Equal(t, "web-canary", r.ID.Name)
	assert.Equal(t, "web-canary", r.Object.GetName())
	n, ok = r.Replicas()
	require.True(t, ok)
	assert.Equal(t, int32(3), n)
}

func TestAddSelectorAndPodTemplateLabels(t *testing.T) {
	r := parseOne(t, deploymentDoc)
	labels := map[string]string{"kdeploy.io/track": "canary"}

	require.NoError(t, r.AddSelectorLabels(labels))
	require.NoError(t, r.AddPodTemplateLabels(labels))
	r.AddLabels(labels)

	selector, _, err := unstructured.NestedStringMap(r.Object.Object, "spec", "selector", "matchLabels")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web", "kdeploy.io/track": "canary"}, selector)

	template, _, err := unstructured.NestedStringMap(r.Object.Object, "spec", "template", "metadata", "labels")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web", "kdeploy.io/track": "canary"}, template)

	assert.Equal(t, "canary", r.Object.GetLabels()["kdeploy.io/track"])
}

func TestDeploymentConfigSelectorLabels(t *testing.T) {
	r := parseOne(t, `
apiVersion: apps.openshift.io/v1
kind: DeploymentConfig
metadata:
  name: legacy
spec:
  selector:
    app: legacy
  template:
    metadata:
      labels:
        app: legacy
`)
	require.NoError(t, r.AddSelectorLabels(map[string]string{"kdeploy.io/color": "blue"}))

	selector, _, err := unstructured.NestedStringMap(r.Object.Object, "spec", "selector")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "legacy", "kdeploy.io/color": "blue"}, selector)
}

func TestServiceSelectorLabels(t *testing.T) {
	r := parseOne(t, `
apiVersion: v1
kind: Service
metadata:
  name: web
spec:
  selector:
    app: web
  ports:
  - port: 80
`)
	require.NoError(t, r.AddSelectorLabels(map[string]string{"kdeploy.io/color": "green"}))

	selector, _, err := unstructured.NestedStringMap(r.Object.Object, "spec", "selector")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web", "kdeploy.io/color": "green"}, selector)
}
