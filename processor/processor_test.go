package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"

	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
	perrors "github.com/pepr-dev/pepr/error"
)

var podGVK = metav1.GroupVersionKind{Version: "v1", Kind: "Pod"}

func testConfig() config.Module {
	return config.Module{ID: "test-module"}
}

func createRequest(gvk metav1.GroupVersionKind, namespace, objJSON string) admissionv1.AdmissionRequest {
	return admissionv1.AdmissionRequest{
		UID:       types.UID("uid-1"),
		Kind:      gvk,
		Name:      "p1",
		Namespace: namespace,
		Operation: admissionv1.Create,
		Object:    runtime.RawExtension{Raw: []byte(objJSON)},
	}
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

func decodePatch(t *testing.T, resp admissionv1.AdmissionResponse) []patchOp {
	t.Helper()
	require.NotNil(t, resp.Patch)
	var ops []patchOp
	require.NoError(t, json.Unmarshal(resp.Patch, &ops))
	return ops
}

func findOp(ops []patchOp, path string) (patchOp, bool) {
	for _, op := range ops {
		if op.Path == path {
			return op, true
		}
	}
	return patchOp{}, false
}

func TestProcessPassThrough(t *testing.T) {
	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)

	resp, err := Process(context.Background(), testConfig(), nil, req)
	require.NoError(t, err)

	assert.Equal(t, req.UID, resp.UID)
	assert.True(t, resp.Allowed)
	assert.Empty(t, resp.Warnings)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.PatchType)
	assert.Equal(t, admissionv1.PatchTypeJSONPatch, *resp.PatchType)
	assert.Equal(t, "[]", string(resp.Patch))
}

func TestProcessSingleLabelMutation(t *testing.T) {
	c := capability.New("addLabel", "adds a label")
	c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		r.SetLabel("x", "y")
		return nil
	})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	ops := decodePatch(t, resp)

	labelsOp, found := findOp(ops, "/metadata/labels")
	require.True(t, found)
	assert.Equal(t, "add", labelsOp.Op)
	assert.Equal(t, map[string]interface{}{"x": "y"}, labelsOp.Value)

	annotationsOp, found := findOp(ops, "/metadata/annotations")
	require.True(t, found)
	assert.Equal(t, "add", annotationsOp.Op)
	assert.Equal(t, map[string]interface{}{
		"pepr.dev/test-module/addLabel": "succeeded",
	}, annotationsOp.Value)
}

func TestProcessFilterMissByNamespace(t *testing.T) {
	c := capability.New("addLabel", "")
	c.When(podGVK).IsCreated().InNamespace("kube-system").Then(func(ctx context.Context, r *capability.Request) error {
		r.SetLabel("x", "y")
		return nil
	})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.Equal(t, "[]", string(resp.Patch))
}

func TestProcessCallbackFailureContinues(t *testing.T) {
	c := capability.New("flaky", "")
	c.When(podGVK).IsCreated().
		Then(func(ctx context.Context, r *capability.Request) error {
			r.SetLabel("before", "yes")
			return nil
		}).
		Then(func(ctx context.Context, r *capability.Request) error {
			return errors.New("boom")
		})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "Action failed: boom")

	ops := decodePatch(t, resp)

	// The prior successful mutation is kept.
	labelsOp, found := findOp(ops, "/metadata/labels")
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{"before": "yes"}, labelsOp.Value)

	// The failure overwrites the capability marker.
	annotationsOp, found := findOp(ops, "/metadata/annotations")
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{
		"pepr.dev/test-module/flaky": "warning",
	}, annotationsOp.Value)
}

func TestProcessRejectOnError(t *testing.T) {
	sentinelRan := false

	c := capability.New("strict", "")
	c.When(podGVK).IsCreated().
		Then(func(ctx context.Context, r *capability.Request) error {
			return errors.New("boom")
		}).
		Then(func(ctx context.Context, r *capability.Request) error {
			sentinelRan = true
			return nil
		})

	cfg := testConfig()
	cfg.RejectOnError = true

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), cfg, []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.False(t, resp.Allowed)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "module configured to reject on error", resp.Result.Message)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "Action failed: boom")
	assert.Empty(t, resp.Patch)
	assert.False(t, sentinelRan)
}

func TestProcessGlobalKindIgnore(t *testing.T) {
	ran := false
	c := capability.New("secrets", "")
	c.When(metav1.GroupVersionKind{Version: "v1", Kind: "Secret"}).IsCreated().
		Then(func(ctx context.Context, r *capability.Request) error {
			ran = true
			return nil
		})

	cfg := testConfig()
	cfg.AlwaysIgnore.Kinds = []metav1.GroupVersionKind{{Kind: "Secret"}}

	req := createRequest(metav1.GroupVersionKind{Version: "v1", Kind: "Secret"}, "default",
		`{"metadata":{"name":"s1"}}`)
	resp, err := Process(context.Background(), cfg, []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.Equal(t, "[]", string(resp.Patch))
	assert.False(t, ran)
}

func TestProcessCapabilityNamespaceRestriction(t *testing.T) {
	ran := false
	c := capability.New("scoped", "")
	c.WithNamespaces("kube-system")
	c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		ran = true
		return nil
	})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.False(t, ran)
	assert.Equal(t, "[]", string(resp.Patch))
}

func TestProcessMarkerOverwriteWithinCapability(t *testing.T) {
	c := capability.New("retry", "")
	c.When(podGVK).IsCreated().
		Then(func(ctx context.Context, r *capability.Request) error {
			return errors.New("first fails")
		}).
		Then(func(ctx context.Context, r *capability.Request) error {
			return nil
		})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	ops := decodePatch(t, resp)
	annotationsOp, found := findOp(ops, "/metadata/annotations")
	require.True(t, found)
	// The later success overwrites the earlier warning for the same
	// capability.
	assert.Equal(t, map[string]interface{}{
		"pepr.dev/test-module/retry": "succeeded",
	}, annotationsOp.Value)
}

func TestProcessDistinctCapabilitiesDistinctMarkers(t *testing.T) {
	c1 := capability.New("one", "")
	c1.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		return nil
	})
	c2 := capability.New("two", "")
	c2.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		return errors.New("nope")
	})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c1, c2}, req)
	require.NoError(t, err)

	ops := decodePatch(t, resp)
	annotationsOp, found := findOp(ops, "/metadata/annotations")
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{
		"pepr.dev/test-module/one": "succeeded",
		"pepr.dev/test-module/two": "warning",
	}, annotationsOp.Value)
}

func TestProcessExistingAnnotationsPatchedByKey(t *testing.T) {
	c := capability.New("marked", "")
	c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		return nil
	})

	req := createRequest(podGVK, "default",
		`{"metadata":{"name":"p1","annotations":{"existing":"kept"}}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	ops := decodePatch(t, resp)
	// With a pre-existing annotation map, the marker is added as a single
	// key, with the slashes escaped per RFC 6901.
	op, found := findOp(ops, "/metadata/annotations/pepr.dev~1test-module~1marked")
	require.True(t, found)
	assert.Equal(t, "add", op.Op)
	assert.Equal(t, "succeeded", op.Value)
}

func TestProcessDeleteRequest(t *testing.T) {
	var seenLabels map[string]string
	c := capability.New("cleanup", "")
	c.When(podGVK).IsDeleted().Then(func(ctx context.Context, r *capability.Request) error {
		seenLabels = r.Labels()
		return nil
	})

	req := admissionv1.AdmissionRequest{
		UID:       types.UID("uid-del"),
		Kind:      podGVK,
		Name:      "p1",
		Namespace: "default",
		Operation: admissionv1.Delete,
		OldObject: runtime.RawExtension{
			Raw: []byte(`{"metadata":{"name":"p1","labels":{"app":"web"}}}`),
		},
	}

	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.Equal(t, map[string]string{"app": "web"}, seenLabels)
	// No object to patch on DELETE.
	assert.Equal(t, "[]", string(resp.Patch))
}

func TestProcessMalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		req  admissionv1.AdmissionRequest
	}{
		{
			name: "missing uid",
			req: admissionv1.AdmissionRequest{
				Kind:      podGVK,
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: []byte(`{}`)},
			},
		},
		{
			name: "missing kind",
			req: admissionv1.AdmissionRequest{
				UID:       types.UID("u"),
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: []byte(`{}`)},
			},
		},
		{
			name: "missing object",
			req: admissionv1.AdmissionRequest{
				UID:       types.UID("u"),
				Kind:      podGVK,
				Operation: admissionv1.Create,
			},
		},
		{
			name: "undecodable object",
			req: admissionv1.AdmissionRequest{
				UID:       types.UID("u"),
				Kind:      podGVK,
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: []byte(`{broken`)},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Process(context.Background(), testConfig(), nil, tc.req)
			require.Error(t, err)
			assert.True(t, perrors.IsMalformedRequest(err))
		})
	}
}

func TestProcessCancellation(t *testing.T) {
	ran := false
	c := capability.New("slow", "")
	c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	_, err := Process(ctx, testConfig(), []*capability.Capability{c}, req)
	assert.Equal(t, context.Canceled, err)
	assert.False(t, ran)
}

func TestProcessCallbackPanicIsAFailure(t *testing.T) {
	c := capability.New("panicky", "")
	c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
		panic("oops")
	})

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1"}}`)
	resp, err := Process(context.Background(), testConfig(), []*capability.Capability{c}, req)
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "callback panicked")
}

func TestProcessDeterministicPatch(t *testing.T) {
	build := func() *capability.Capability {
		c := capability.New("multi", "")
		c.When(podGVK).IsCreated().Then(func(ctx context.Context, r *capability.Request) error {
			r.SetLabel("b", "2")
			r.SetLabel("a", "1")
			r.SetAnnotation("z", "26")
			return nil
		})
		return c
	}

	req := createRequest(podGVK, "default", `{"metadata":{"name":"p1","labels":{"keep":"me"}}}`)

	first, err := Process(context.Background(), testConfig(), []*capability.Capability{build()}, req)
	require.NoError(t, err)
	second, err := Process(context.Background(), testConfig(), []*capability.Capability{build()}, req)
	require.NoError(t, err)

	assert.Equal(t, string(first.Patch), string(second.Patch))
}

func TestCallbackErrorClassification(t *testing.T) {
	err := &CallbackError{Capability: "x", Err: errors.New("boom")}
	assert.True(t, perrors.IsCallbackFailure(err))
	assert.Contains(t, err.Error(), "x")
}
