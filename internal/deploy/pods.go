package deploy

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"

	"github.com/dc-tec/kdeploy/internal/interfaces"
)

// PodInfo is a pod summary returned to callers for observability.
type PodInfo struct {
	Name       string
	Namespace  string
	Phase      corev1.PodPhase
	PodIP      string
	Labels     map[string]string
	Containers []string
	// New is set when the pod did not exist before this deployment attempt.
	New bool
}

// ListPods returns the pods in namespace that carry every label in selector.
func ListPods(ctx context.Context, executor interfaces.ClusterExecutor, namespace string, selector map[string]string) ([]PodInfo, error) {
	pods, err := executor.ListPods(ctx, namespace, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	out := make([]PodInfo, 0, len(pods))
	for i := range pods {
		p := &pods[i]
		info := PodInfo{
			Name:      p.Name,
			Namespace: p.Namespace,
			Phase:     p.Status.Phase,
			PodIP:     p.Status.PodIP,
			Labels:    p.Labels,
		}
		for _, c := range p.Spec.Containers {
			info.Containers = append(info.Containers, c.Image)
		}
		out = append(out, info)
	}
	return out, nil
}

// TagNewPods marks every pod in current whose name is absent from previous.
func TagNewPods(current, previous []PodInfo) []PodInfo {
	seen := make(map[string]struct{}, len(previous))
	for _, p := range previous {
		seen[p.Namespace+"/"+p.Name] = struct{}{}
	}
	out := make([]PodInfo, len(current))
	for i, p := range current {
		_, existed := seen[p.Namespace+"/"+p.Name]
		p.New = !existed
		out[i] = p
	}
	return out
}
