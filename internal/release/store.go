package release

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

// Store persists release histories keyed by tracking name. Callers always read the
// whole history, modify it, and write the whole history back.
type Store interface {
	// Get returns the stored history, or an empty history when none exists.
	Get(ctx context.Context, name string) (*History, error)
	Save(ctx context.Context, name string, history *History) error
}

// Encode serialises a history as gzip-compressed JSON.
func Encode(h *History) ([]byte, error) {
	if h == nil {
		h = &History{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release history: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress release history: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress release history: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*History, error) {
	if len(data) == 0 {
		return &History{}, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress release history: %w", err)
	}
	defer func() { _ = zr.Close() }()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress release history: %w", err)
	}

	h := &History{}
	if err := json.Unmarshal(raw, h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal release history: %w", err)
	}
	return h, nil
}

// SecretStore keeps each history in a Secret in the target namespace.
type SecretStore struct {
	client    client.Client
	namespace string
}

// NewSecretStore constructs a SecretStore writing to namespace.
func NewSecretStore(c client.Client, namespace string) *SecretStore {
	return &SecretStore{client: c, namespace: namespace}
}

func secretName(name string) string {
	return constants.ReleaseHistoryPrefix + name
}

// Get implements Store.
func (s *SecretStore) Get(ctx context.Context, name string) (*History, error) {
	secret := &corev1.Secret{}
	if err := s.client.Get(ctx, types.NamespacedName{
		Namespace: s.namespace,
		Name:      secretName(name),
	}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return &History{}, nil
		}
		return nil, kerrors.WrapTransport(fmt.Errorf("failed to get release history Secret %s/%s: %w", s.namespace, secretName(name), err))
	}

	h, err := Decode(secret.Data[constants.ReleaseHistoryKey])
	if err != nil {
		return nil, fmt.Errorf("release history Secret %s/%s: %w", s.namespace, secretName(name), err)
	}
	return h, nil
}

// Save implements Store.
func (s *SecretStore) Save(ctx context.Context, name string, history *History) error {
	data, err := Encode(history)
	if err != nil {
		return err
	}

	secret := &corev1.Secret{}
	key := types.NamespacedName{Namespace: s.namespace, Name: secretName(name)}
	err = s.client.Get(ctx, key, secret)
	switch {
	case apierrors.IsNotFound(err):
		secret = &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      key.Name,
				Namespace: key.Namespace,
				Labels: map[string]string{
					constants.LabelAppManagedBy: constants.LabelValueManagedByKdeploy,
					constants.LabelReleaseName:  name,
				},
			},
			Type: corev1.SecretTypeOpaque,
			Data: map[string][]byte{constants.ReleaseHistoryKey: data},
		}
		if err := s.client.Create(ctx, secret); err != nil {
			return kerrors.WrapTransport(fmt.Errorf("failed to create release history Secret %s: %w", key, err))
		}
		return nil
	case err != nil:
		return kerrors.WrapTransport(fmt.Errorf("failed to get release history Secret %s: %w", key, err))
	}

	if secret.Data == nil {
		secret.Data = map[string][]byte{}
	}
	secret.Data[constants.ReleaseHistoryKey] = data
	if err := s.client.Update(ctx, secret); err != nil {
		return kerrors.WrapTransport(fmt.Errorf("failed to update release history Secret %s: %w", key, err))
	}
	return nil
}

// MemoryStore is an in-process Store. It counts calls so callers can assert store traffic.
type MemoryStore struct {
	mu        sync.Mutex
	histories map[string][]byte

	GetCalls  int
	SaveCalls int
	// GetErr, when set, is returned by every Get.
	GetErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{histories: map[string][]byte{}}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, name string) (*History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	return Decode(m.histories[name])
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, name string, history *History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	data, err := Encode(history)
	if err != nil {
		return err
	}
	m.histories[name] = data
	return nil
}
