package manifestsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

const deploymentYAML = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 2
  template:
    spec:
      containers:
      - name: web
        image: nginx:${tag}
        command: ["sh", "-c", "echo $HOME"]
`

const configMapYAML = `apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
  namespace: other
data:
  mode: ${mode}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRenderFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "web.yaml", deploymentYAML)

	resources, err := NewFileSource("shop", path).Render(context.Background(), map[string]string{"tag": "1.27"})
	require.NoError(t, err)
	require.Len(t, resources, 1)

	assert.Equal(t, "shop/Deployment/web", resources[0].ID.String())
	containers, found, err := unstructured.NestedSlice(resources[0].Object.Object, "spec", "template", "spec", "containers")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, containers, 1)
	container := containers[0].(map[string]interface{})
	assert.Equal(t, "nginx:1.27", container["image"])
	assert.Equal(t, []interface{}{"sh", "-c", "echo $HOME"}, container["command"])
}

func TestRenderDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-web.yaml", deploymentYAML)
	writeFile(t, dir, "a-settings.yml", configMapYAML)
	writeFile(t, dir, "README.md", "not a manifest")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	resources, err := NewFileSource("shop", dir).Render(context.Background(), map[string]string{"tag": "1", "mode": "fast"})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "other/ConfigMap/settings", resources[0].ID.String())
	assert.Equal(t, "shop/Deployment/web", resources[1].ID.String())
}

func TestRenderErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "web.yaml", deploymentYAML)

	tests := []struct {
		name    string
		source  *FileSource
		values  map[string]string
		wantErr string
	}{
		{name: "no paths", source: NewFileSource("shop"), wantErr: "no manifest paths"},
		{name: "missing file", source: NewFileSource("shop", filepath.Join(dir, "absent.yaml")), wantErr: "failed to stat"},
		{name: "missing value", source: NewFileSource("shop", path), values: map[string]string{}, wantErr: "no value for placeholders tag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.source.Render(context.Background(), tt.values)
			require.Error(t, err)
			assert.True(t, kerrors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSubstitute(t *testing.T) {
	out, err := substitute("a=${a} b=$b c=${c", map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, "a=1 b=$b c=${c", out)

	_, err = substitute("${x}${y}", map[string]string{"x": ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "y")
}
