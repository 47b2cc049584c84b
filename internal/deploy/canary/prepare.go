package canary

import (
	"fmt"
	"math"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// Configuration error hints for workload selection.
const (
	MsgNoWorkload       = "No workload found in the Manifests. Can't do Canary Deployment."
	MsgMultipleWorkload = "More than one workload found in the Manifests. Canary deploy supports only one workload. Others should be marked with annotation " + constants.AnnotationDirectApply + ": true"
)

// InstanceUnit says how InstanceSpec.Value is interpreted.
type InstanceUnit string

const (
	UnitCount      InstanceUnit = "Count"
	UnitPercentage InstanceUnit = "Percentage"
)

// InstanceSpec is the requested size of the canary.
type InstanceSpec struct {
	Unit  InstanceUnit
	Value int32
}

// Options controls how the canary variant is derived from the base workload.
type Options struct {
	ReleaseName    string
	TargetReplicas int32
}

// TargetInstances converts spec to a replica count. Percentages are taken of current,
// the live replica count of the primary workload, rounding half up. The result is never
// below one.
func TargetInstances(spec InstanceSpec, current int32) int32 {
	n, _ := targetInstances(spec, current)
	return n
}

// targetInstances also reports whether the computed count was raised to the minimum of one.
func targetInstances(spec InstanceSpec, current int32) (int32, bool) {
	n := spec.Value
	if spec.Unit == UnitPercentage {
		n = int32(math.Round(float64(current) * float64(spec.Value) / 100))
	}
	if n < 1 {
		return 1, true
	}
	return n, false
}

// selectWorkload returns the single workload eligible for a canary.
func selectWorkload(resources []manifest.Resource) (manifest.Resource, error) {
	eligible := deploy.EligibleWorkloads(resources, nil)
	switch len(eligible) {
	case 0:
		return manifest.Resource{}, kerrors.NewConfigError(MsgNoWorkload,
			"the manifests contain no managed workload and no resource annotated "+constants.AnnotationManagedWorkload)
	case 1:
		return eligible[0], nil
	default:
		names := make([]string, 0, len(eligible))
		for _, w := range eligible {
			names = append(names, w.ID.KindName())
		}
		return manifest.Resource{}, kerrors.NewConfigError(MsgMultipleWorkload, fmt.Sprintf("found workloads %v", names))
	}
}

// PrepareForCanary returns the canary variant of the single eligible workload in resources:
// renamed with the canary suffix, labelled with the canary track and release name in both
// selector and pod template, and scaled to opts.TargetReplicas. resources is not modified.
func PrepareForCanary(resources []manifest.Resource, opts Options) (manifest.Resource, error) {
	base, err := selectWorkload(resources)
	if err != nil {
		return manifest.Resource{}, err
	}

	canary := base.DeepCopy()
	canary.Rename(base.ID.Name + constants.CanarySuffix)

	labels := map[string]string{
		constants.LabelTrack:       constants.LabelValueTrackCanary,
		constants.LabelReleaseName: opts.ReleaseName,
	}
	canary.AddLabels(labels)
	if err := canary.AddSelectorLabels(labels); err != nil {
		return manifest.Resource{}, fmt.Errorf("failed to label selector of %s: %w", canary.ID.Ref(), err)
	}
	if err := canary.AddPodTemplateLabels(labels); err != nil {
		return manifest.Resource{}, fmt.Errorf("failed to label pod template of %s: %w", canary.ID.Ref(), err)
	}
	if err := canary.SetReplicas(opts.TargetReplicas); err != nil {
		return manifest.Resource{}, fmt.Errorf("failed to set replicas of %s: %w", canary.ID.Ref(), err)
	}
	return canary, nil
}
