package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
)

func podRequest(t *testing.T, op admissionv1.Operation, objJSON string) admissionv1.AdmissionRequest {
	t.Helper()
	req := admissionv1.AdmissionRequest{
		UID:       types.UID("uid-1"),
		Kind:      podGVK,
		Name:      "p1",
		Namespace: "default",
		Operation: op,
	}
	if op == admissionv1.Delete {
		req.OldObject = runtime.RawExtension{Raw: []byte(objJSON)}
	} else {
		req.Object = runtime.RawExtension{Raw: []byte(objJSON)}
	}
	return req
}

func TestNewRequest(t *testing.T) {
	r, err := NewRequest(podRequest(t, admissionv1.Create,
		`{"metadata":{"name":"p1","labels":{"app":"web"}}}`))
	require.NoError(t, err)

	assert.Equal(t, types.UID("uid-1"), r.UID())
	assert.Equal(t, "p1", r.Name())
	assert.Equal(t, "default", r.Namespace())
	assert.Equal(t, metav1.GroupVersionKind{Version: "v1", Kind: "Pod"}, r.Kind())
	assert.Equal(t, admissionv1.Create, r.Operation())
	assert.Equal(t, map[string]string{"app": "web"}, r.Labels())
}

func TestNewRequestMalformedObject(t *testing.T) {
	_, err := NewRequest(podRequest(t, admissionv1.Create, `{not json`))
	assert.Error(t, err)
}

func TestDeleteUsesOldObject(t *testing.T) {
	r, err := NewRequest(podRequest(t, admissionv1.Delete,
		`{"metadata":{"name":"p1","labels":{"app":"web"}}}`))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"app": "web"}, r.Labels())
	// DELETE carries no object, so there's no base for a patch.
	assert.Empty(t, r.OriginalJSON())
}

func TestSetLabelCreatesMap(t *testing.T) {
	r, err := NewRequest(podRequest(t, admissionv1.Create, `{"metadata":{"name":"p1"}}`))
	require.NoError(t, err)

	r.SetLabel("x", "y")
	r.SetAnnotation("a", "b")

	labels, found, err := unstructuredNested(r.Raw.Object, "metadata", "labels")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{"x": "y"}, labels)

	annotations, found, err := unstructuredNested(r.Raw.Object, "metadata", "annotations")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{"a": "b"}, annotations)
}

func TestMutationsDoNotTouchOriginal(t *testing.T) {
	r, err := NewRequest(podRequest(t, admissionv1.Create,
		`{"metadata":{"name":"p1","labels":{"app":"web"}}}`))
	require.NoError(t, err)

	r.SetLabel("app", "changed")
	r.RemoveLabel("missing")

	// The matching view stays the inbound object.
	assert.Equal(t, map[string]string{"app": "web"}, r.Labels())
}

func unstructuredNested(obj map[string]interface{}, fields ...string) (interface{}, bool, error) {
	var val interface{} = obj
	for _, f := range fields {
		m, ok := val.(map[string]interface{})
		if !ok {
			return nil, false, nil
		}
		val, ok = m[f]
		if !ok {
			return nil, false, nil
		}
	}
	return val, true, nil
}
