// Package manifestsource renders resource manifests from files on disk.
package manifestsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

var manifestExtensions = []string{".yaml", ".yml", ".json"}

// FileSource reads manifests from files or directories and substitutes ${key}
// placeholders with render values. Directories are read one level deep in name order.
type FileSource struct {
	Paths     []string
	Namespace string
}

var _ interfaces.ManifestSource = (*FileSource)(nil)

// NewFileSource constructs a FileSource defaulting unnamespaced resources to namespace.
func NewFileSource(namespace string, paths ...string) *FileSource {
	return &FileSource{Paths: paths, Namespace: namespace}
}

// Render reads every manifest file, substitutes values and parses the result.
// A placeholder without a value is a configuration error.
func (s *FileSource) Render(ctx context.Context, values map[string]string) ([]manifest.Resource, error) {
	if len(s.Paths) == 0 {
		return nil, kerrors.NewConfigError("pass at least one manifest file with --filename", "no manifest paths given")
	}

	files, err := s.files()
	if err != nil {
		return nil, err
	}

	var resources []manifest.Resource
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to read manifest %s: %w", file, err))
		}
		expanded, err := substitute(string(data), values)
		if err != nil {
			return nil, kerrors.WrapConfiguration(fmt.Errorf("manifest %s: %w", file, err))
		}
		parsed, err := manifest.Parse([]byte(expanded), s.Namespace)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", file, err)
		}
		resources = append(resources, parsed...)
	}
	return resources, nil
}

func (s *FileSource) files() ([]string, error) {
	var files []string
	for _, path := range s.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to stat manifest path %s: %w", path, err))
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to read manifest directory %s: %w", path, err))
		}
		for _, entry := range entries {
			if entry.IsDir() || !slices.Contains(manifestExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	return files, nil
}

// substitute expands ${key} placeholders. Bare $key forms are left alone so shell
// snippets embedded in manifests survive rendering.
func substitute(text string, values map[string]string) (string, error) {
	var missing []string
	var b strings.Builder
	for {
		start := strings.Index(text, "${")
		if start < 0 {
			b.WriteString(text)
			break
		}
		end := strings.Index(text[start:], "}")
		if end < 0 {
			b.WriteString(text)
			break
		}
		key := text[start+2 : start+end]
		b.WriteString(text[:start])
		if value, ok := values[key]; ok {
			b.WriteString(value)
		} else {
			missing = append(missing, key)
			b.WriteString(text[start : start+end+1])
		}
		text = text[start+end+1:]
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("no value for placeholders %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}
