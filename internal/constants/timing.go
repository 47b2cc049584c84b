package constants

import "time"

// Polling and timeout defaults used by coordinators.
const (
	SteadyStatePollInterval   = 1 * time.Second
	DefaultSteadyStateTimeout = 10 * time.Minute
	DefaultDeleteRate         = 10.0
	DefaultDeleteBurst        = 5
)
