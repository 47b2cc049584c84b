package manifest

import "strings"

// WorkloadKind is one of the workload kinds the deployer recognises without annotation.
type WorkloadKind string

const (
	WorkloadDeployment       WorkloadKind = "Deployment"
	WorkloadStatefulSet      WorkloadKind = "StatefulSet"
	WorkloadDaemonSet        WorkloadKind = "DaemonSet"
	WorkloadJob              WorkloadKind = "Job"
	WorkloadDeploymentConfig WorkloadKind = "DeploymentConfig"
)

var managedWorkloadKinds = []WorkloadKind{
	WorkloadDeployment,
	WorkloadStatefulSet,
	WorkloadDaemonSet,
	WorkloadJob,
	WorkloadDeploymentConfig,
}

// WorkloadKindOf returns the WorkloadKind for kind, if it is on the managed list.
func WorkloadKindOf(kind string) (WorkloadKind, bool) {
	for _, k := range managedWorkloadKinds {
		if string(k) == kind {
			return k, true
		}
	}
	return "", false
}

// IsManagedWorkloadKind reports whether kind is on the managed workload list.
func IsManagedWorkloadKind(kind string) bool {
	_, ok := WorkloadKindOf(kind)
	return ok
}

// SupportsRevisions reports whether the kind keeps a rollout history that can be undone by revision.
func (k WorkloadKind) SupportsRevisions() bool {
	switch k {
	case WorkloadDeployment, WorkloadStatefulSet, WorkloadDaemonSet, WorkloadDeploymentConfig:
		return true
	}
	return false
}

// Scalable reports whether the kind has a replica count.
func (k WorkloadKind) Scalable() bool {
	switch k {
	case WorkloadDeployment, WorkloadStatefulSet, WorkloadDeploymentConfig:
		return true
	}
	return false
}

var clusterScopedKinds = map[string]struct{}{
	"Namespace":                      {},
	"ClusterRole":                    {},
	"ClusterRoleBinding":             {},
	"CustomResourceDefinition":       {},
	"PersistentVolume":               {},
	"StorageClass":                   {},
	"PriorityClass":                  {},
	"IngressClass":                   {},
	"RuntimeClass":                   {},
	"APIService":                     {},
	"MutatingWebhookConfiguration":   {},
	"ValidatingWebhookConfiguration": {},
}

// IsClusterScopedKind reports whether kind is a well-known cluster-scoped kind.
func IsClusterScopedKind(kind string) bool {
	_, ok := clusterScopedKinds[kind]
	return ok
}

// IsVersionedKind reports whether resources of kind get a content hash name suffix.
func IsVersionedKind(kind string) bool {
	return kind == "ConfigMap" || kind == "Secret"
}

var canonicalKinds = map[string]string{}

func init() {
	for _, k := range managedWorkloadKinds {
		canonicalKinds[strings.ToLower(string(k))] = string(k)
	}
	for k := range clusterScopedKinds {
		canonicalKinds[strings.ToLower(k)] = k
	}
	for _, k := range []string{
		"ConfigMap", "Secret", "Service", "ServiceAccount", "Pod", "ReplicaSet",
		"HorizontalPodAutoscaler", "PodDisruptionBudget", "Ingress", "NetworkPolicy",
		"Role", "RoleBinding", "PersistentVolumeClaim", "CronJob", "LimitRange", "ResourceQuota",
	} {
		canonicalKinds[strings.ToLower(k)] = k
	}
}

// CanonicalKind maps a case-insensitive kind to its canonical spelling when known.
func CanonicalKind(kind string) string {
	if c, ok := canonicalKinds[strings.ToLower(kind)]; ok {
		return c
	}
	return kind
}
