package constants

// Naming conventions for resources derived by the deployer.
const (
	// CanarySuffix is appended to the base workload name for the canary variant.
	CanarySuffix = "-canary"
	// StageServiceSuffix is appended to the primary service name when no stage service is annotated.
	StageServiceSuffix = "-stage"
	// ReleaseHistoryPrefix prefixes the Secret that stores a release history.
	ReleaseHistoryPrefix = "release-history-"
	// ReleaseHistoryKey is the Secret data key holding the compressed history document.
	ReleaseHistoryKey = "release"
	// FieldOwner is the default server-side apply field manager.
	FieldOwner = "kdeploy"
)

// Blue-green colors.
const (
	ColorBlue    = "blue"
	ColorGreen   = "green"
	ColorDefault = ColorGreen
)
