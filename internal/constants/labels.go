package constants

// Common Kubernetes label keys used by the deployer.
const (
	LabelAppName      = "app.kubernetes.io/name"
	LabelAppManagedBy = "app.kubernetes.io/managed-by"

	// LabelReleaseName ties a canary workload and its pods to the release it was deployed for.
	LabelReleaseName = "kdeploy.io/release-name"
	// LabelTrack distinguishes canary pods from the primary pods of the same app.
	LabelTrack = "kdeploy.io/track"
	// LabelColor is the selector key swapped between services during blue-green promotion.
	LabelColor = "kdeploy.io/color"
)

// Common label values used by the deployer.
const (
	LabelValueManagedByKdeploy = "kdeploy"

	LabelValueTrackCanary = "canary"
	LabelValueTrackStable = "stable"
)
