package operationlock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/dc-tec/kdeploy/internal/constants"
)

func newClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func getLease(t *testing.T, c client.Client) (*coordinationv1.Lease, error) {
	t.Helper()
	lease := &coordinationv1.Lease{}
	err := c.Get(context.Background(), types.NamespacedName{Name: "kdeploy-lock-web", Namespace: "ns1"}, lease)
	return lease, err
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	err := Acquire(ctx, c, AcquireOptions{
		Namespace:   "ns1",
		ReleaseName: "web",
		Holder:      "run-1",
		Operation:   "rolling",
		Message:     "starting",
	})
	require.NoError(t, err)

	lease, err := getLease(t, c)
	require.NoError(t, err)
	require.Equal(t, "run-1", ptr.Deref(lease.Spec.HolderIdentity, ""))
	require.Equal(t, "rolling", lease.Annotations[constants.AnnotationLockOperation])
	require.Equal(t, "web", lease.Labels[constants.LabelReleaseName])
	require.NotNil(t, lease.Spec.AcquireTime)

	err = Acquire(ctx, c, AcquireOptions{
		Namespace:   "ns1",
		ReleaseName: "web",
		Holder:      "run-1",
		Operation:   "rolling",
		Message:     "renew",
	})
	require.NoError(t, err)
	lease, err = getLease(t, c)
	require.NoError(t, err)
	require.Equal(t, "renew", lease.Annotations[constants.AnnotationLockMessage])
	require.NotNil(t, lease.Spec.RenewTime)

	err = Acquire(ctx, c, AcquireOptions{
		Namespace:   "ns1",
		ReleaseName: "web",
		Holder:      "run-2",
		Operation:   "rollback",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLockHeld))
	var held *HeldError
	require.True(t, errors.As(err, &held))
	require.Equal(t, "run-1", held.Holder)
	require.Equal(t, "rolling", held.Operation)

	err = Release(ctx, c, "ns1", "web", "run-2", "rollback")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLockHeld))

	err = Release(ctx, c, "ns1", "web", "run-1", "rolling")
	require.NoError(t, err)

	_, err = getLease(t, c)
	require.True(t, apierrors.IsNotFound(err))

	// Releasing an absent lock is a no-op.
	require.NoError(t, Release(ctx, c, "ns1", "web", "run-1", "rolling"))
}

func TestAcquireForce(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      LeaseName("web"),
			Namespace: "ns1",
			Annotations: map[string]string{
				constants.AnnotationLockOperation: "rolling",
				constants.AnnotationLockMessage:   "in progress",
			},
		},
		Spec: coordinationv1.LeaseSpec{HolderIdentity: ptr.To("run-1")},
	})

	err := Acquire(ctx, c, AcquireOptions{
		Namespace:   "ns1",
		ReleaseName: "web",
		Holder:      "run-2",
		Operation:   "rollback",
		Message:     "override",
		Force:       true,
	})
	require.NoError(t, err)

	lease, err := getLease(t, c)
	require.NoError(t, err)
	require.Equal(t, "run-2", ptr.Deref(lease.Spec.HolderIdentity, ""))
	require.Equal(t, "rollback", lease.Annotations[constants.AnnotationLockOperation])
}

func TestAcquireValidation(t *testing.T) {
	c := newClient(t)
	require.Error(t, Acquire(context.Background(), c, AcquireOptions{Holder: "h", Operation: "op"}))
	require.Error(t, Acquire(context.Background(), c, AcquireOptions{ReleaseName: "web", Operation: "op"}))
	require.Error(t, Acquire(context.Background(), c, AcquireOptions{ReleaseName: "web", Holder: "h"}))
	require.Error(t, Release(context.Background(), c, "ns1", "", "h", "op"))
}
