// Package operationlock provides a Lease-based mutual exclusion mechanism for
// operations on one release (deploy/rollback/promote).
//
// The lock is stored in a coordination.k8s.io Lease named after the release and is:
// - Stable across process restarts (Holder identifies the running command)
// - Strict by default (no automatic expiry)
// - Explicitly overridable only via the Force option
package operationlock

import (
	"context"
	"errors"
	"fmt"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

const leasePrefix = "kdeploy-lock-"

var (
	// ErrLockHeld indicates the release lock is held by another operation/holder.
	ErrLockHeld = errors.New("release lock is held by another operation")
)

// AcquireOptions configures lock acquisition behavior.
type AcquireOptions struct {
	// Namespace holds the Lease.
	Namespace string
	// ReleaseName names the release being locked.
	ReleaseName string
	// Holder is a unique identifier of the running command.
	Holder string
	// Operation is the operation requesting the lock.
	Operation string
	// Message provides human-readable context (optional).
	Message string
	// Force allows overwriting an existing lock. This should only be used for explicit
	// break-glass scenarios.
	Force bool
}

// HeldError provides structured information when a lock cannot be acquired.
type HeldError struct {
	Operation string
	Holder    string
	Message   string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: operation=%q holder=%q message=%q", ErrLockHeld, e.Operation, e.Holder, e.Message)
}

func (e *HeldError) Unwrap() error {
	return ErrLockHeld
}

// LeaseName returns the name of the Lease guarding a release.
func LeaseName(releaseName string) string {
	return leasePrefix + releaseName
}

// Acquire takes the lock for opts.ReleaseName. Re-acquiring a lock already held by the
// same holder and operation renews it.
func Acquire(ctx context.Context, c client.Client, opts AcquireOptions) error {
	if opts.ReleaseName == "" {
		return fmt.Errorf("release name is required")
	}
	if opts.Holder == "" {
		return fmt.Errorf("holder is required")
	}
	if opts.Operation == "" {
		return fmt.Errorf("operation is required")
	}

	now := metav1.NowMicro()
	key := client.ObjectKey{Namespace: opts.Namespace, Name: LeaseName(opts.ReleaseName)}

	lease := &coordinationv1.Lease{}
	if err := c.Get(ctx, key, lease); err != nil {
		if !apierrors.IsNotFound(err) {
			return kerrors.WrapTransport(fmt.Errorf("failed to get release lock: %w", err))
		}

		lease = &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      key.Name,
				Namespace: key.Namespace,
				Labels: map[string]string{
					constants.LabelReleaseName: opts.ReleaseName,
				},
			},
		}
		setHolder(lease, opts, now, true)
		if err := c.Create(ctx, lease); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return &HeldError{Operation: "unknown", Holder: "unknown", Message: "lock created concurrently"}
			}
			return kerrors.WrapTransport(fmt.Errorf("failed to create release lock: %w", err))
		}
		return nil
	}

	holder := ptr.Deref(lease.Spec.HolderIdentity, "")
	operation := lease.Annotations[constants.AnnotationLockOperation]

	switch {
	case holder == "":
		setHolder(lease, opts, now, true)
	case holder == opts.Holder && operation == opts.Operation:
		setHolder(lease, opts, now, false)
	case opts.Force:
		setHolder(lease, opts, now, true)
	default:
		return &HeldError{
			Operation: operation,
			Holder:    holder,
			Message:   lease.Annotations[constants.AnnotationLockMessage],
		}
	}

	// Update carries the read ResourceVersion so a concurrent acquire loses with a conflict.
	if err := c.Update(ctx, lease); err != nil {
		if apierrors.IsConflict(err) {
			return &HeldError{Operation: operation, Holder: holder, Message: "lock changed concurrently"}
		}
		return kerrors.WrapTransport(fmt.Errorf("failed to update release lock: %w", err))
	}
	return nil
}

// Release clears the lock if it is held by holder/operation.
// If the lock is held by someone else, Release returns ErrLockHeld.
func Release(ctx context.Context, c client.Client, namespace, releaseName, holder, operation string) error {
	if releaseName == "" {
		return fmt.Errorf("release name is required")
	}
	if holder == "" {
		return fmt.Errorf("holder is required")
	}
	if operation == "" {
		return fmt.Errorf("operation is required")
	}

	lease := &coordinationv1.Lease{}
	key := client.ObjectKey{Namespace: namespace, Name: LeaseName(releaseName)}
	if err := c.Get(ctx, key, lease); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return kerrors.WrapTransport(fmt.Errorf("failed to get release lock: %w", err))
	}

	currentHolder := ptr.Deref(lease.Spec.HolderIdentity, "")
	currentOperation := lease.Annotations[constants.AnnotationLockOperation]
	if currentHolder == "" {
		return nil
	}
	if currentHolder != holder || currentOperation != operation {
		return &HeldError{
			Operation: currentOperation,
			Holder:    currentHolder,
			Message:   lease.Annotations[constants.AnnotationLockMessage],
		}
	}

	if err := c.Delete(ctx, lease); err != nil && !apierrors.IsNotFound(err) {
		return kerrors.WrapTransport(fmt.Errorf("failed to delete release lock: %w", err))
	}
	return nil
}

func setHolder(lease *coordinationv1.Lease, opts AcquireOptions, now metav1.MicroTime, acquired bool) {
	if lease.Annotations == nil {
		lease.Annotations = map[string]string{}
	}
	lease.Annotations[constants.AnnotationLockOperation] = opts.Operation
	lease.Annotations[constants.AnnotationLockMessage] = opts.Message
	lease.Spec.HolderIdentity = ptr.To(opts.Holder)
	lease.Spec.RenewTime = &now
	if acquired || lease.Spec.AcquireTime == nil {
		lease.Spec.AcquireTime = &now
	}
}
