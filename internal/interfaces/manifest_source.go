package interfaces

import (
	"context"

	"github.com/dc-tec/kdeploy/internal/manifest"
)

// ManifestSource renders the desired resource set for one deployment attempt.
// Coordinators receive the rendered list and never re-render it.
type ManifestSource interface {
	Render(ctx context.Context, values map[string]string) ([]manifest.Resource, error)
}
