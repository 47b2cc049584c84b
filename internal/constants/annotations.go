package constants

// Annotation keys read from user manifests.
const (
	// AnnotationDirectApply marks a resource the deployer applies but never owns.
	// Direct-apply resources are excluded from workload selection and pruning.
	AnnotationDirectApply = "kdeploy.io/direct-apply"
	// AnnotationManagedWorkload opts a custom (non built-in) workload into lifecycle management.
	AnnotationManagedWorkload = "kdeploy.io/managed-workload"
	// AnnotationSteadyStateCondition holds the CEL expression evaluated against the live
	// custom workload. The expression sees the object as the variable "object".
	AnnotationSteadyStateCondition = "kdeploy.io/steady-state-condition"
	// AnnotationSkipPruning keeps a resource on the cluster after it leaves the desired set.
	AnnotationSkipPruning = "kdeploy.io/skip-pruning"
	// AnnotationSkipVersioning disables the content-hash name suffix for ConfigMaps and Secrets.
	AnnotationSkipVersioning = "kdeploy.io/skip-versioning"
	// AnnotationPrimaryService names the live service whose selector decides the primary color.
	AnnotationPrimaryService = "kdeploy.io/primary-service"
	// AnnotationStageService names the service that routes to the stage color.
	AnnotationStageService = "kdeploy.io/stage-service"
	// AnnotationCustomResource marks HPA/PDB objects that merely reference a colored workload.
	// Scale-down never touches them.
	AnnotationCustomResource = "kdeploy.io/custom-resource"
	// AnnotationLockOperation records the operation holding a release lock Lease.
	AnnotationLockOperation = "kdeploy.io/lock-operation"
	// AnnotationLockMessage carries human-readable context for a held release lock.
	AnnotationLockMessage = "kdeploy.io/lock-message"
)

// Annotation keys written on cluster objects by Kubernetes controllers.
const (
	AnnotationDeploymentRevision = "deployment.kubernetes.io/revision"
	AnnotationDCLatestVersion    = "openshift.io/deployment-config.latest-version"
	AnnotationDCName             = "openshift.io/deployment-config.name"
)

// AnnotationValueTrue is the canonical truthy annotation value.
const AnnotationValueTrue = "true"
