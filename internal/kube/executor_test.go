package kube

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/dc-tec/kdeploy/internal/constants"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

const ns = "apps"

func podTemplate(image string, extraLabels map[string]string) corev1.PodTemplateSpec {
	labels := map[string]string{"app": "web"}
	for k, v := range extraLabels {
		labels[k] = v
	}
	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: labels},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "web", Image: image}},
		},
	}
}

var _ = Describe("ClientExecutor", func() {
	var (
		ctx      context.Context
		c        client.Client
		executor *ClientExecutor
		webID    = manifest.ResourceID{Namespace: ns, Kind: "Deployment", Name: "web"}
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())

		deployment := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{
				Name:        "web",
				Namespace:   ns,
				UID:         types.UID("web-uid"),
				Annotations: map[string]string{constants.AnnotationDeploymentRevision: "2"},
			},
			Spec: appsv1.DeploymentSpec{
				Replicas: ptr.To[int32](3),
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
				Template: podTemplate("web:v2", nil),
			},
		}
		controller := metav1.NewControllerRef(deployment, appsv1.SchemeGroupVersion.WithKind("Deployment"))

		oldRS := &appsv1.ReplicaSet{
			ObjectMeta: metav1.ObjectMeta{
				Name:            "web-abc",
				Namespace:       ns,
				Labels:          map[string]string{"app": "web"},
				Annotations:     map[string]string{constants.AnnotationDeploymentRevision: "1"},
				OwnerReferences: []metav1.OwnerReference{*controller},
			},
			Spec: appsv1.ReplicaSetSpec{
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
				Template: podTemplate("web:v1", map[string]string{appsv1.DefaultDeploymentUniqueLabelKey: "abc"}),
			},
		}
		foreignRS := oldRS.DeepCopy()
		foreignRS.Name = "web-foreign"
		foreignRS.OwnerReferences = nil
		foreignRS.Annotations = map[string]string{constants.AnnotationDeploymentRevision: "3"}

		objects := []client.Object{
			deployment,
			oldRS,
			foreignRS,
			&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "cfg", Namespace: ns}},
			&corev1.Service{
				ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: ns},
				Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "web", constants.LabelColor: "blue"}},
			},
			&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-1", Namespace: ns, Labels: map[string]string{"app": "web", constants.LabelTrack: "canary"}}},
			&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-2", Namespace: ns, Labels: map[string]string{"app": "web"}}},
			&corev1.Event{
				ObjectMeta:     metav1.ObjectMeta{Name: "web.1", Namespace: ns},
				InvolvedObject: corev1.ObjectReference{Kind: "Deployment", Name: "web", Namespace: ns},
				Type:           corev1.EventTypeWarning,
				Reason:         "ProgressDeadlineExceeded",
				Message:        "ReplicaSet web-def has timed out progressing",
			},
			&batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "migrate", Namespace: ns}},
		}

		c = fake.NewClientBuilder().WithScheme(scheme).WithObjects(objects...).Build()
		executor = NewClientExecutor(c, "")
	})

	Describe("Delete", func() {
		It("deletes an existing resource", func() {
			id := manifest.ResourceID{Namespace: ns, Kind: "ConfigMap", Name: "cfg"}
			res, err := executor.Delete(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())

			live, err := executor.GetLive(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(live).To(BeNil())
		})

		It("treats an absent resource as deleted", func() {
			res, err := executor.Delete(ctx, manifest.ResourceID{Namespace: ns, Kind: "Secret", Name: "missing"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Output).To(ContainSubstring("already absent"))
		})
	})

	Describe("GetLive", func() {
		It("returns the live object", func() {
			live, err := executor.GetLive(ctx, webID)
			Expect(err).NotTo(HaveOccurred())
			Expect(live).NotTo(BeNil())
			Expect(live.GetName()).To(Equal("web"))
			Expect(live.GetKind()).To(Equal("Deployment"))
		})
	})

	Describe("Scale", func() {
		It("patches the replica count", func() {
			res, err := executor.Scale(ctx, webID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())

			dep := &appsv1.Deployment{}
			Expect(c.Get(ctx, types.NamespacedName{Namespace: ns, Name: "web"}, dep)).To(Succeed())
			Expect(*dep.Spec.Replicas).To(Equal(int32(0)))
		})
	})

	Describe("Services", func() {
		It("returns nil for a missing service", func() {
			svc, err := executor.GetService(ctx, ns, "missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(svc).To(BeNil())
		})

		It("replaces a service selector", func() {
			svc, err := executor.GetService(ctx, ns, "web")
			Expect(err).NotTo(HaveOccurred())
			svc.Spec.Selector[constants.LabelColor] = "green"

			res, err := executor.ReplaceService(ctx, svc)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())

			updated, err := executor.GetService(ctx, ns, "web")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Spec.Selector[constants.LabelColor]).To(Equal("green"))
		})
	})

	Describe("ListPods", func() {
		It("filters by label selector", func() {
			pods, err := executor.ListPods(ctx, ns, map[string]string{constants.LabelTrack: "canary"})
			Expect(err).NotTo(HaveOccurred())
			Expect(pods).To(HaveLen(1))
			Expect(pods[0].Name).To(Equal("web-1"))
		})
	})

	Describe("Revision", func() {
		It("reads the deployment revision annotation", func() {
			rev, err := executor.Revision(ctx, webID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(Equal("2"))
		})

		It("returns empty for kinds without revisions", func() {
			rev, err := executor.Revision(ctx, manifest.ResourceID{Namespace: ns, Kind: "Job", Name: "migrate"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(BeEmpty())
		})
	})

	Describe("RolloutUndo", func() {
		It("restores the template of the owned ReplicaSet with the stored revision", func() {
			res, err := executor.RolloutUndo(ctx, webID, "1")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue(), res.Output)

			dep := &appsv1.Deployment{}
			Expect(c.Get(ctx, types.NamespacedName{Namespace: ns, Name: "web"}, dep)).To(Succeed())
			Expect(dep.Spec.Template.Spec.Containers[0].Image).To(Equal("web:v1"))
			Expect(dep.Spec.Template.Labels).NotTo(HaveKey(appsv1.DefaultDeploymentUniqueLabelKey))
		})

		It("ignores ReplicaSets the deployment does not control", func() {
			res, err := executor.RolloutUndo(ctx, webID, "3")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeFalse())
			Expect(res.Output).To(ContainSubstring("unable to find specified revision 3"))
		})

		It("rejects kinds without rollout history", func() {
			res, err := executor.RolloutUndo(ctx, manifest.ResourceID{Namespace: ns, Kind: "Job", Name: "migrate"}, "1")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeFalse())
		})
	})

	Describe("Describe", func() {
		It("renders status and events", func() {
			res, err := executor.Describe(ctx, []manifest.ResourceID{webID, {Namespace: ns, Kind: "ConfigMap", Name: "gone"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Output).To(ContainSubstring("ProgressDeadlineExceeded"))
			Expect(res.Output).To(ContainSubstring("<not found>"))
		})
	})
})
