package capability

import (
	"encoding/json"

	"github.com/pkg/errors"
	admissionv1 "k8s.io/api/admission/v1"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/pepr-dev/pepr/object"
)

// malformedObjectError marks an undecodable request object.
type malformedObjectError struct {
	error
}

func (malformedObjectError) MalformedRequest() bool { return true }

// Request wraps a single admission request for the callbacks. It holds the
// immutable inbound object and Raw, a working copy that callbacks freely
// mutate. The patch sent back to the API server is the diff between the two.
//
// A Request is owned by exactly one processing invocation and must not be
// shared across requests.
type Request struct {
	admission admissionv1.AdmissionRequest

	// originalJSON is the inbound object exactly as received, the base of the
	// patch diff. Empty on DELETE.
	originalJSON []byte

	original *unstructured.Unstructured

	// Raw is the mutable working copy of the inbound object. On DELETE it is
	// a copy of the old object, mutations to it produce no patch.
	Raw *unstructured.Unstructured
}

// NewRequest wraps the given admission request. The inbound object is decoded
// once, deep-copied into Raw and never modified afterwards. On DELETE the old
// object is used, since the request carries no object.
func NewRequest(req admissionv1.AdmissionRequest) (*Request, error) {
	raw := req.Object.Raw
	if req.Operation == admissionv1.Delete {
		raw = req.OldObject.Raw
	}

	original := &unstructured.Unstructured{Object: map[string]interface{}{}}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &original.Object); err != nil {
			return nil, malformedObjectError{errors.Wrap(err, "failed to decode request object")}
		}
	}

	return &Request{
		admission:    req,
		originalJSON: req.Object.Raw,
		original:     original,
		Raw:          original.DeepCopy(),
	}, nil
}

// UID returns the unique identifier of the admission request.
func (r *Request) UID() types.UID {
	return r.admission.UID
}

// Kind returns the GroupVersionKind of the request object.
func (r *Request) Kind() metav1.GroupVersionKind {
	return r.admission.Kind
}

// Name returns the name of the request object.
func (r *Request) Name() string {
	return r.admission.Name
}

// Namespace returns the namespace of the request object. Empty for
// cluster-scoped resources.
func (r *Request) Namespace() string {
	return r.admission.Namespace
}

// Operation returns the admission operation.
func (r *Request) Operation() admissionv1.Operation {
	return r.admission.Operation
}

// UserInfo returns the authenticated user info of the request.
func (r *Request) UserInfo() authenticationv1.UserInfo {
	return r.admission.UserInfo
}

// OriginalJSON returns the inbound object bytes exactly as received. Empty on
// DELETE.
func (r *Request) OriginalJSON() []byte {
	return r.originalJSON
}

// Labels returns the metadata labels of the inbound object. This is the
// stable view used for matching, unaffected by mutations of Raw. On DELETE
// the labels come from the old object.
func (r *Request) Labels() map[string]string {
	return object.Labels(r.original)
}

// Annotations returns the metadata annotations of the inbound object, with
// the same semantics as Labels.
func (r *Request) Annotations() map[string]string {
	return object.Annotations(r.original)
}

// SetLabel sets a metadata label on the working copy, creating the label map
// if absent.
func (r *Request) SetLabel(key, value string) {
	object.EnsureMap(r.Raw.Object, "metadata", "labels")[key] = value
}

// RemoveLabel removes a metadata label from the working copy.
func (r *Request) RemoveLabel(key string) {
	delete(object.EnsureMap(r.Raw.Object, "metadata", "labels"), key)
}

// SetAnnotation sets a metadata annotation on the working copy, creating the
// annotation map if absent.
func (r *Request) SetAnnotation(key, value string) {
	object.EnsureMap(r.Raw.Object, "metadata", "annotations")[key] = value
}

// RemoveAnnotation removes a metadata annotation from the working copy.
func (r *Request) RemoveAnnotation(key string) {
	delete(object.EnsureMap(r.Raw.Object, "metadata", "annotations"), key)
}
