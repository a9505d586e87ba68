package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
)

var podGVK = metav1.GroupVersionKind{Version: "v1", Kind: "Pod"}

func podCreateRequest(objJSON string) admission.Request {
	return admission.Request{
		AdmissionRequest: admissionv1.AdmissionRequest{
			UID:       types.UID("uid-1"),
			Kind:      podGVK,
			Name:      "p1",
			Namespace: "default",
			Operation: admissionv1.Create,
			Object:    runtime.RawExtension{Raw: []byte(objJSON)},
		},
	}
}

var _ = Describe("Mutating Handler", func() {

	cfg := config.Module{ID: "test-module"}

	Context("when no capability is registered", func() {
		handler := NewMutatingHandler(cfg, nil)

		It("should allow with an empty patch", func() {
			response := handler.Handle(context.TODO(), podCreateRequest(`{"metadata":{"name":"p1"}}`))

			Expect(response.Allowed).Should(BeTrue())
			Expect(response.UID).Should(Equal(types.UID("uid-1")))
			Expect(string(response.Patch)).Should(Equal("[]"))
		})
	})

	Context("when a capability mutates the object", func() {
		c := capability.New("addLabel", "")
		c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
			r.SetLabel("x", "y")
			return nil
		})

		handler := NewMutatingHandler(cfg, []*capability.Capability{c})

		It("should return the label mutation in the patch", func() {
			response := handler.Handle(context.TODO(), podCreateRequest(`{"metadata":{"name":"p1"}}`))

			Expect(response.Allowed).Should(BeTrue())

			var ops []map[string]interface{}
			Expect(json.Unmarshal(response.Patch, &ops)).Should(Succeed())

			paths := []string{}
			for _, op := range ops {
				paths = append(paths, op["path"].(string))
			}
			Expect(paths).Should(ContainElement("/metadata/labels"))
			Expect(paths).Should(ContainElement("/metadata/annotations"))
		})
	})

	Context("when the request is malformed", func() {
		handler := NewMutatingHandler(cfg, nil)

		It("should answer 400 for a missing object", func() {
			response := handler.Handle(context.TODO(), admission.Request{
				AdmissionRequest: admissionv1.AdmissionRequest{
					UID:       types.UID("uid-1"),
					Kind:      podGVK,
					Operation: admissionv1.Create,
				},
			})

			Expect(response.Allowed).Should(BeFalse())
			Expect(response.Result.Code).Should(Equal(int32(http.StatusBadRequest)))
		})
	})

	Context("when the request context is cancelled", func() {
		c := capability.New("slow", "")
		c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
			return nil
		})

		handler := NewMutatingHandler(cfg, []*capability.Capability{c})

		It("should fail open without a patch", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			response := handler.Handle(ctx, podCreateRequest(`{"metadata":{"name":"p1"}}`))

			Expect(response.Allowed).Should(BeTrue())
			Expect(response.Patch).Should(BeEmpty())
		})
	})

	Context("when a callback fails and the module rejects on error", func() {
		c := capability.New("strict", "")
		c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
			return context.DeadlineExceeded
		})

		rejectCfg := config.Module{ID: "test-module", RejectOnError: true}
		handler := NewMutatingHandler(rejectCfg, []*capability.Capability{c})

		It("should deny the request with a result message", func() {
			response := handler.Handle(context.TODO(), podCreateRequest(`{"metadata":{"name":"p1"}}`))

			Expect(response.Allowed).Should(BeFalse())
			Expect(response.Result.Message).Should(Equal("module configured to reject on error"))
			Expect(response.Warnings).Should(HaveLen(1))
		})
	})
})
