package prune

import (
	"sort"

	"github.com/dc-tec/kdeploy/internal/manifest"
)

// installOrder lists kinds in the order they are created. Deletion walks it backwards,
// so workloads go before the config objects they mount and namespaces go last.
var installOrder = []string{
	"Namespace",
	"NetworkPolicy",
	"ResourceQuota",
	"LimitRange",
	"PodSecurityPolicy",
	"PodDisruptionBudget",
	"ServiceAccount",
	"Secret",
	"ConfigMap",
	"StorageClass",
	"PersistentVolume",
	"PersistentVolumeClaim",
	"CustomResourceDefinition",
	"ClusterRole",
	"ClusterRoleBinding",
	"Role",
	"RoleBinding",
	"Service",
	"DaemonSet",
	"Pod",
	"ReplicationController",
	"ReplicaSet",
	"Deployment",
	"DeploymentConfig",
	"HorizontalPodAutoscaler",
	"StatefulSet",
	"Job",
	"CronJob",
	"Ingress",
	"APIService",
}

var installRank = func() map[string]int {
	m := make(map[string]int, len(installOrder))
	for i, k := range installOrder {
		m[k] = i
	}
	return m
}()

// rank returns the install position of kind. Unknown kinds, typically custom resources,
// are created last and therefore deleted first.
func rank(kind string) int {
	if r, ok := installRank[manifest.CanonicalKind(kind)]; ok {
		return r
	}
	return len(installOrder)
}

// ArrangeInDeletionOrder returns ids sorted so that every resource is deleted before the
// resources it depends on. Namespaced resources come before cluster-scoped ones; within
// each group kinds are ordered by reverse install order. The sort is stable and the
// input is not modified.
func ArrangeInDeletionOrder(ids []manifest.ResourceID) []manifest.ResourceID {
	out := append([]manifest.ResourceID(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].ClusterScoped(), out[j].ClusterScoped()
		if ci != cj {
			return !ci
		}
		return rank(out[i].Kind) > rank(out[j].Kind)
	})
	return out
}

// ResourcesToPrune returns the resources of a previous release that are absent from the
// current desired set, in deletion order. Direct-apply resources and resources annotated
// to skip pruning are never returned.
func ResourcesToPrune(previous []manifest.Resource, current []manifest.ResourceID) []manifest.ResourceID {
	var ids []manifest.ResourceID
	for _, r := range previous {
		if r.IsDirectApply() || r.SkipPruning() {
			continue
		}
		if manifest.ContainsID(current, r.ID) || manifest.ContainsID(ids, r.ID) {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ArrangeInDeletionOrder(ids)
}
