// Package errors defines the error taxonomy shared by the deployment coordinators.
//
// Configuration errors are rejected before any cluster mutation and carry a
// hint/explanation pair for the user. Transport errors come from the cluster
// executor and are propagated to the caller, except during deletion where they
// are captured per resource. Convergence failures are not errors at all and are
// reported through result fields.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrConfiguration indicates invalid user input or manifests. Nothing was mutated on the cluster.
var ErrConfiguration = errors.New("configuration error")

// ErrTransport indicates the cluster could not be reached or the API rejected a call mid operation.
var ErrTransport = errors.New("cluster transport error")

// ErrFirstDeploymentFailed indicates apply failed while no earlier release exists to roll back to.
// This is the only fatal coordinator outcome.
var ErrFirstDeploymentFailed = errors.New("first deployment failed")

// HintError is a configuration error with a user-facing hint and explanation.
type HintError struct {
	Hint        string
	Explanation string
	Err         error
}

func (e *HintError) Error() string {
	if e.Explanation == "" {
		return e.Hint
	}
	return fmt.Sprintf("%s: %s", e.Hint, e.Explanation)
}

func (e *HintError) Unwrap() error {
	if e.Err == nil {
		return ErrConfiguration
	}
	return e.Err
}

// NewConfigError returns a configuration error with the given hint and explanation.
func NewConfigError(hint, explanation string) error {
	return &HintError{Hint: hint, Explanation: explanation, Err: ErrConfiguration}
}

// WrapConfiguration wraps an error as a configuration error.
func WrapConfiguration(err error) error {
	if err == nil {
		return nil
	}

	if IsConfiguration(err) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConfiguration)
}

// HintOf returns the hint and explanation carried by err, if any.
func HintOf(err error) (hint, explanation string, ok bool) {
	var he *HintError
	if errors.As(err, &he) {
		return he.Hint, he.Explanation, true
	}
	return "", "", false
}

// IsConnectionFailure checks if an error looks like the cluster could not be reached.
// This includes network timeouts, connection refused, DNS failures, and similar issues.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	connectionPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"dial tcp",
		"connection closed",
		"broken pipe",
	}

	for _, pattern := range connectionPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsAPIServerFailure checks if an error looks like a failing or throttling API server.
func IsAPIServerFailure(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	serverPatterns := []string{
		"rate limit",
		"too many requests",
		"server error",
		"service unavailable",
		"internal server error",
		"context deadline exceeded",
		"timeout",
	}

	for _, pattern := range serverPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsTransport reports whether err is a transport error, either explicitly wrapped
// or recognised by its message.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) {
		return true
	}
	return IsConnectionFailure(err) || IsAPIServerFailure(err)
}

// WrapTransport wraps an error as a transport error.
// If the error is already wrapped it is returned as-is.
func WrapTransport(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTransport) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// IsKindNotRegistered checks if an error indicates that the cluster does not serve a kind,
// for example a DeploymentConfig on a cluster without the OpenShift apps API.
func IsKindNotRegistered(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no matches for kind") ||
		strings.Contains(errStr, "no kind is registered for the type") ||
		strings.Contains(errStr, "could not find the requested resource")
}

// WrapKindNotRegistered turns a missing-kind error into a configuration error.
// Other errors are returned unchanged.
func WrapKindNotRegistered(err error) error {
	if err == nil {
		return nil
	}

	if IsKindNotRegistered(err) {
		return &HintError{
			Hint:        "kind is not served by the target cluster",
			Explanation: err.Error(),
			Err:         fmt.Errorf("%w: %w", ErrConfiguration, err),
		}
	}

	return err
}
