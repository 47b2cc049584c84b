package kube

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// Call records one MockExecutor invocation.
type Call struct {
	Method   string
	IDs      []manifest.ResourceID
	Revision string
	Replicas int32
}

// MockExecutor is an in-memory interfaces.ClusterExecutor that records every call.
// Live objects, services and pods are served from its maps; the *Func hooks override
// individual operations.
type MockExecutor struct {
	mu    sync.Mutex
	calls []Call

	Live      map[string]*unstructured.Unstructured
	Services  map[string]*corev1.Service
	Pods      []corev1.Pod
	Revisions map[string]string

	ApplyFunc       func(ctx context.Context, resources []manifest.Resource) (interfaces.ExecResult, error)
	DryRunFunc      func(ctx context.Context, resources []manifest.Resource) (interfaces.ExecResult, error)
	DeleteFunc      func(ctx context.Context, id manifest.ResourceID) (interfaces.ExecResult, error)
	GetLiveFunc     func(ctx context.Context, id manifest.ResourceID) (*unstructured.Unstructured, error)
	UndoFunc        func(ctx context.Context, id manifest.ResourceID, revision string) (interfaces.ExecResult, error)
	ScaleFunc       func(ctx context.Context, id manifest.ResourceID, replicas int32) (interfaces.ExecResult, error)
	GetServiceFunc  func(ctx context.Context, namespace, name string) (*corev1.Service, error)
	ReplaceSvcFunc  func(ctx context.Context, svc *corev1.Service) (interfaces.ExecResult, error)
	ListPodsFunc    func(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)
	DescribeFunc    func(ctx context.Context, ids []manifest.ResourceID) (interfaces.ExecResult, error)
	RevisionFunc    func(ctx context.Context, id manifest.ResourceID) (string, error)
	ApplyStoresLive bool
}

var _ interfaces.ClusterExecutor = (*MockExecutor)(nil)

// NewMockExecutor returns an empty MockExecutor that stores applied objects as live.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		Live:            map[string]*unstructured.Unstructured{},
		Services:        map[string]*corev1.Service{},
		Revisions:       map[string]string{},
		ApplyStoresLive: true,
	}
}

func liveKey(id manifest.ResourceID) string {
	return fmt.Sprintf("%s/%s/%s", id.Namespace, id.Kind, id.Name)
}

func serviceKey(namespace, name string) string {
	return namespace + "/" + name
}

// SetLive stores obj as the live object for id.
func (m *MockExecutor) SetLive(id manifest.ResourceID, obj *unstructured.Unstructured) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Live[liveKey(id)] = obj
}

// AddService stores svc as a live service.
func (m *MockExecutor) AddService(svc *corev1.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Services[serviceKey(svc.Namespace, svc.Name)] = svc.DeepCopy()
}

// Service returns the stored service, or nil.
func (m *MockExecutor) Service(namespace, name string) *corev1.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Services[serviceKey(namespace, name)]
}

func (m *MockExecutor) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of every recorded call.
func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the recorded calls of one method.
func (m *MockExecutor) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Apply implements interfaces.ClusterExecutor.
func (m *MockExecutor) Apply(ctx context.Context, resources []manifest.Resource) (interfaces.ExecResult, error) {
	m.record(Call{Method: "Apply", IDs: manifest.IDs(resources)})
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, resources)
	}
	if m.ApplyStoresLive {
		for _, r := range resources {
			if r.Object != nil {
				m.SetLive(r.ID, r.Object.DeepCopy())
			}
		}
	}
	return interfaces.ExecResult{Success: true, Output: "applied"}, nil
}

// DryRun implements interfaces.ClusterExecutor.
func (m *MockExecutor) DryRun(ctx context.Context, resources []manifest.Resource) (interfaces.ExecResult, error) {
	m.record(Call{Method: "DryRun", IDs: manifest.IDs(resources)})
	if m.DryRunFunc != nil {
		return m.DryRunFunc(ctx, resources)
	}
	return interfaces.ExecResult{Success: true}, nil
}

// Delete implements interfaces.ClusterExecutor.
func (m *MockExecutor) Delete(ctx context.Context, id manifest.ResourceID) (interfaces.ExecResult, error) {
	m.record(Call{Method: "Delete", IDs: []manifest.ResourceID{id}})
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	m.mu.Lock()
	delete(m.Live, liveKey(id))
	m.mu.Unlock()
	return interfaces.ExecResult{Success: true}, nil
}

// GetLive implements interfaces.ClusterExecutor.
func (m *MockExecutor) GetLive(ctx context.Context, id manifest.ResourceID) (*unstructured.Unstructured, error) {
	m.record(Call{Method: "GetLive", IDs: []manifest.ResourceID{id}})
	if m.GetLiveFunc != nil {
		return m.GetLiveFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.Live[liveKey(id)]; ok {
		return obj.DeepCopy(), nil
	}
	return nil, nil
}

// Revision implements interfaces.ClusterExecutor.
func (m *MockExecutor) Revision(ctx context.Context, id manifest.ResourceID) (string, error) {
	m.record(Call{Method: "Revision", IDs: []manifest.ResourceID{id}})
	if m.RevisionFunc != nil {
		return m.RevisionFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Revisions[liveKey(id)], nil
}

// RolloutUndo implements interfaces.ClusterExecutor.
func (m *MockExecutor) RolloutUndo(ctx context.Context, id manifest.ResourceID, revision string) (interfaces.ExecResult, error) {
	m.record(Call{Method: "RolloutUndo", IDs: []manifest.ResourceID{id}, Revision: revision})
	if m.UndoFunc != nil {
		return m.UndoFunc(ctx, id, revision)
	}
	return interfaces.ExecResult{Success: true}, nil
}

// Scale implements interfaces.ClusterExecutor.
func (m *MockExecutor) Scale(ctx context.Context, id manifest.ResourceID, replicas int32) (interfaces.ExecResult, error) {
	m.record(Call{Method: "Scale", IDs: []manifest.ResourceID{id}, Replicas: replicas})
	if m.ScaleFunc != nil {
		return m.ScaleFunc(ctx, id, replicas)
	}
	return interfaces.ExecResult{Success: true}, nil
}

// GetService implements interfaces.ClusterExecutor.
func (m *MockExecutor) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	m.record(Call{Method: "GetService", IDs: []manifest.ResourceID{{Namespace: namespace, Kind: "Service", Name: name}}})
	if m.GetServiceFunc != nil {
		return m.GetServiceFunc(ctx, namespace, name)
	}
	if svc := m.Service(namespace, name); svc != nil {
		return svc.DeepCopy(), nil
	}
	return nil, nil
}

// ReplaceService implements interfaces.ClusterExecutor.
func (m *MockExecutor) ReplaceService(ctx context.Context, svc *corev1.Service) (interfaces.ExecResult, error) {
	m.record(Call{Method: "ReplaceService", IDs: []manifest.ResourceID{{Namespace: svc.Namespace, Kind: "Service", Name: svc.Name}}})
	if m.ReplaceSvcFunc != nil {
		return m.ReplaceSvcFunc(ctx, svc)
	}
	m.AddService(svc)
	return interfaces.ExecResult{Success: true}, nil
}

// Describe implements interfaces.ClusterExecutor.
func (m *MockExecutor) Describe(ctx context.Context, ids []manifest.ResourceID) (interfaces.ExecResult, error) {
	m.record(Call{Method: "Describe", IDs: ids})
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, ids)
	}
	return interfaces.ExecResult{Success: true}, nil
}

// ListPods implements interfaces.ClusterExecutor.
func (m *MockExecutor) ListPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	m.record(Call{Method: "ListPods"})
	if m.ListPodsFunc != nil {
		return m.ListPodsFunc(ctx, namespace, selector)
	}
	sel := labels.SelectorFromSet(selector)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []corev1.Pod
	for _, p := range m.Pods {
		if p.Namespace == namespace && sel.Matches(labels.Set(p.Labels)) {
			out = append(out, *p.DeepCopy())
		}
	}
	return out, nil
}
