package bluegreen

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/deploy"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// Configuration error hints for manifest validation.
const (
	MsgNoWorkload        = "No workload found in the Manifests. Can't do  Blue/Green Deployment. Only Deployment, DeploymentConfig (OpenShift) and StatefulSet workloads are supported in Blue/Green workflow type."
	MsgMultipleWorkloads = "There are multiple workloads in the Service Manifests you are deploying. Blue/Green Workflows support a single Deployment, DeploymentConfig (OpenShift) or StatefulSet workload only. To deploy additional workloads in Manifests, annotate them with " + constants.AnnotationDirectApply + ": true"
	MsgNoService         = "No service is found in manifests"
	MsgNoPrimaryService  = "Could not locate a Primary Service in Manifests"
)

// OppositeColor returns the other blue-green color.
func OppositeColor(color string) string {
	if color == constants.ColorBlue {
		return constants.ColorGreen
	}
	return constants.ColorBlue
}

func blueGreenKind(r manifest.Resource) bool {
	switch r.ID.Kind {
	case "Deployment", "StatefulSet", "DeploymentConfig":
		return r.ManagedWorkload
	}
	return false
}

// selectWorkload returns the single workload that is deployed per color.
func selectWorkload(resources []manifest.Resource) (manifest.Resource, error) {
	eligible := deploy.EligibleWorkloads(resources, blueGreenKind)
	switch len(eligible) {
	case 0:
		return manifest.Resource{}, kerrors.NewConfigError(MsgNoWorkload, "no Deployment, DeploymentConfig or StatefulSet without "+constants.AnnotationDirectApply)
	case 1:
		return eligible[0], nil
	default:
		names := make([]string, 0, len(eligible))
		for _, w := range eligible {
			names = append(names, w.ID.KindName())
		}
		return manifest.Resource{}, kerrors.NewConfigError(MsgMultipleWorkloads, fmt.Sprintf("found workloads %v", names))
	}
}

// services holds the primary and stage Service specs from the manifests.
type services struct {
	primary manifest.Resource
	stage   manifest.Resource
}

// selectServices finds the primary and stage services. Annotations pick them explicitly;
// a single unannotated service is the primary. Without a stage service, a copy of the
// primary named with the stage suffix is used.
func selectServices(resources []manifest.Resource) (services, error) {
	var all, primaries, stages []manifest.Resource
	for _, r := range resources {
		if r.ID.Kind != "Service" || r.IsDirectApply() {
			continue
		}
		all = append(all, r)
		switch {
		case isAnnotated(r, constants.AnnotationPrimaryService):
			primaries = append(primaries, r)
		case isAnnotated(r, constants.AnnotationStageService):
			stages = append(stages, r)
		}
	}
	if len(all) == 0 {
		return services{}, kerrors.NewConfigError(MsgNoService, "blue/green deployments route traffic through a Service")
	}

	var out services
	switch {
	case len(primaries) == 1:
		out.primary = primaries[0]
	case len(primaries) == 0 && len(all)-len(stages) == 1:
		for _, r := range all {
			if !isAnnotated(r, constants.AnnotationStageService) {
				out.primary = r
			}
		}
	default:
		return services{}, kerrors.NewConfigError(MsgNoPrimaryService,
			"annotate the primary service with "+constants.AnnotationPrimaryService+": true")
	}

	if len(stages) > 0 {
		out.stage = stages[0]
	} else {
		out.stage = out.primary.DeepCopy()
		out.stage.Rename(out.primary.ID.Name + constants.StageServiceSuffix)
	}
	return out, nil
}

func isAnnotated(r manifest.Resource, key string) bool {
	if r.Object == nil {
		return false
	}
	return r.Object.GetAnnotations()[key] == constants.AnnotationValueTrue
}

// colorWorkload renames the workload to "<name>-<color>" and labels its selector and pod
// template with the color.
func colorWorkload(base manifest.Resource, color string) (manifest.Resource, error) {
	w := base.DeepCopy()
	w.Rename(fmt.Sprintf("%s-%s", base.ID.Name, color))
	labels := map[string]string{constants.LabelColor: color}
	w.AddLabels(labels)
	if err := w.AddSelectorLabels(labels); err != nil {
		return manifest.Resource{}, fmt.Errorf("failed to label selector of %s: %w", w.ID.Ref(), err)
	}
	if err := w.AddPodTemplateLabels(labels); err != nil {
		return manifest.Resource{}, fmt.Errorf("failed to label pod template of %s: %w", w.ID.Ref(), err)
	}
	return w, nil
}

// colorService points the service selector at color.
func colorService(svc manifest.Resource, color string) (manifest.Resource, error) {
	out := svc.DeepCopy()
	if err := out.AddSelectorLabels(map[string]string{constants.LabelColor: color}); err != nil {
		return manifest.Resource{}, fmt.Errorf("failed to label selector of %s: %w", out.ID.Ref(), err)
	}
	return out, nil
}

// colorCompanion renames an HPA or PDB that belongs to the base workload so each color
// gets its own, and retargets it at the colored workload. Other resources, and HPAs or
// PDBs annotated as custom resources, are returned unchanged.
func colorCompanion(r manifest.Resource, base, colored manifest.Resource, color string) (manifest.Resource, bool, error) {
	if r.Object == nil || r.IsCustomResource() || r.IsDirectApply() {
		return r, false, nil
	}
	out := r.DeepCopy()
	switch r.ID.Kind {
	case "HorizontalPodAutoscaler":
		target, _, _ := unstructured.NestedString(r.Object.Object, "spec", "scaleTargetRef", "name")
		kind, _, _ := unstructured.NestedString(r.Object.Object, "spec", "scaleTargetRef", "kind")
		if target != base.ID.Name || kind != base.ID.Kind {
			return r, false, nil
		}
		if err := unstructured.SetNestedField(out.Object.Object, colored.ID.Name, "spec", "scaleTargetRef", "name"); err != nil {
			return r, false, err
		}
	case "PodDisruptionBudget":
		if err := out.AddSelectorLabels(map[string]string{constants.LabelColor: color}); err != nil {
			return r, false, err
		}
	default:
		return r, false, nil
	}
	out.Rename(fmt.Sprintf("%s-%s", r.ID.Name, color))
	return out, true, nil
}
