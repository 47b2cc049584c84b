package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

const decoderBufferSize = 4096

// Parse decodes a multi-document YAML or JSON stream into resources. Empty documents
// are skipped and "List" documents are flattened into their items.
func Parse(data []byte, defaultNamespace string) ([]Resource, error) {
	decoder := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(data), decoderBufferSize)

	var resources []Resource
	for doc := 0; ; doc++ {
		raw := map[string]interface{}{}
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to decode document %d: %w", doc, err))
		}
		if len(raw) == 0 {
			continue
		}

		obj := &unstructured.Unstructured{Object: raw}
		if obj.IsList() {
			list, err := obj.ToList()
			if err != nil {
				return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to read list in document %d: %w", doc, err))
			}
			for i := range list.Items {
				r, err := NewResource(&list.Items[i], defaultNamespace)
				if err != nil {
					return nil, kerrors.WrapConfiguration(fmt.Errorf("document %d item %d: %w", doc, i, err))
				}
				resources = append(resources, r)
			}
			continue
		}

		r, err := NewResource(obj, defaultNamespace)
		if err != nil {
			return nil, kerrors.WrapConfiguration(fmt.Errorf("document %d: %w", doc, err))
		}
		resources = append(resources, r)
	}

	return resources, nil
}

// ParseResourceRef parses "namespace/kind/name" or "kind/name". Wildcards are rejected.
func ParseResourceRef(ref, defaultNamespace string) (ResourceID, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "*") {
		return ResourceID{}, kerrors.NewConfigError(
			fmt.Sprintf("Wildcard resource reference %q is not supported", ref),
			"Name the resource explicitly as namespace/kind/name or kind/name.")
	}

	parts := strings.Split(ref, "/")
	var id ResourceID
	switch len(parts) {
	case 2:
		id = ResourceID{Namespace: defaultNamespace, Kind: parts[0], Name: parts[1]}
	case 3:
		id = ResourceID{Namespace: parts[0], Kind: parts[1], Name: parts[2]}
	default:
		return ResourceID{}, kerrors.NewConfigError(
			fmt.Sprintf("Invalid resource reference %q", ref),
			"Expected namespace/kind/name or kind/name.")
	}

	id.Kind = CanonicalKind(id.Kind)
	if id.Kind == "" || id.Name == "" {
		return ResourceID{}, kerrors.NewConfigError(
			fmt.Sprintf("Invalid resource reference %q", ref),
			"Kind and name must not be empty.")
	}
	if IsClusterScopedKind(id.Kind) {
		id.Namespace = ""
	}
	return id, nil
}
