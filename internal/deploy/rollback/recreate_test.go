package rollback

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/release"
)

func TestRecreatePrunedResources(t *testing.T) {
	web := resource(id("Deployment", "web"), nil)
	cfg := resource(id("ConfigMap", "cfg-1234"), nil)
	svc := resource(id("Service", "web"), nil)

	history := &release.History{Releases: []*release.Release{
		newRelease(0, release.StatusSucceeded, web, cfg, svc),
		newRelease(1, release.StatusFailed, web),
	}}
	onlyFailed := &release.History{Releases: []*release.Release{newRelease(0, release.StatusFailed, web)}}

	tests := []struct {
		name    string
		history *release.History
		pruned  []manifest.ResourceID
		reject  bool
		want    RecreationStatus
		applied []manifest.ResourceID
	}{
		{name: "nothing pruned", history: history, want: NoResourceCreated},
		{name: "no history", history: nil, pruned: []manifest.ResourceID{cfg.ID}, want: NoResourceCreated},
		{name: "no successful release", history: onlyFailed, pruned: []manifest.ResourceID{cfg.ID}, want: NoResourceCreated},
		{name: "pruned resource unknown", history: history, pruned: []manifest.ResourceID{id("Secret", "gone")}, want: NoResourceCreated},
		{
			name:    "recreated",
			history: history,
			pruned:  []manifest.ResourceID{cfg.ID, svc.ID},
			want:    ResourceCreationSuccessful,
			applied: []manifest.ResourceID{cfg.ID, svc.ID},
		},
		{
			name:    "apply rejected",
			history: history,
			pruned:  []manifest.ResourceID{svc.ID},
			reject:  true,
			want:    ResourceCreationFailed,
			applied: []manifest.ResourceID{svc.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.reject {
				f.exec.ApplyFunc = func(_ context.Context, _ []manifest.Resource) (interfaces.ExecResult, error) {
					return interfaces.ExecResult{Success: false, Output: "forbidden"}, nil
				}
			}

			status, err := f.coord.RecreatePrunedResources(context.Background(), logr.Discard(), tt.history, 1, tt.pruned)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)

			applies := f.exec.CallsTo("Apply")
			if tt.applied == nil {
				assert.Empty(t, applies)
				return
			}
			require.Len(t, applies, 1)
			assert.Equal(t, tt.applied, applies[0].IDs)
		})
	}
}

func TestRecreatedResources(t *testing.T) {
	pruned := []manifest.ResourceID{id("ConfigMap", "a")}
	assert.Equal(t, pruned, RecreatedResources(pruned, ResourceCreationSuccessful))
	assert.Nil(t, RecreatedResources(pruned, ResourceCreationFailed))
	assert.Nil(t, RecreatedResources(pruned, NoResourceCreated))
}

func TestDeleteNewResources(t *testing.T) {
	web := resource(id("Deployment", "web"), nil)
	svc := resource(id("Service", "web"), nil)
	newSvc := resource(id("Service", "web-admin"), nil)
	newDeploy := resource(id("Deployment", "admin"), nil)
	kept := resource(id("Secret", "keep"), map[string]string{constants.AnnotationSkipPruning: "true"})

	history := &release.History{Releases: []*release.Release{
		newRelease(0, release.StatusSucceeded, web, svc),
		newRelease(1, release.StatusFailed, web, svc, newSvc, newDeploy, kept),
	}}

	f := newFixture(t, nil)
	report := f.coord.DeleteNewResources(context.Background(), logr.Discard(), history, 1)

	assert.True(t, report.Succeeded())
	assert.Equal(t, []manifest.ResourceID{newDeploy.ID, newSvc.ID}, report.Deleted)
}

func TestDeleteNewResourcesSkips(t *testing.T) {
	web := resource(id("Deployment", "web"), nil)
	history := &release.History{Releases: []*release.Release{newRelease(0, release.StatusFailed, web)}}

	f := newFixture(t, nil)
	assert.Empty(t, f.coord.DeleteNewResources(context.Background(), logr.Discard(), history, 0).Deleted)
	assert.Empty(t, f.coord.DeleteNewResources(context.Background(), logr.Discard(), nil, 0).Deleted)
	assert.Empty(t, f.coord.DeleteNewResources(context.Background(), logr.Discard(), history, 5).Deleted)
	assert.Empty(t, f.exec.CallsTo("Delete"))
}
