package capability

import (
	"context"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Event is the object lifecycle event a binding reacts to.
type Event string

const (
	EventCreate         Event = "Create"
	EventUpdate         Event = "Update"
	EventDelete         Event = "Delete"
	EventCreateOrUpdate Event = "CreateOrUpdate"
)

// Matches returns true when the event covers the given admission operation.
// CONNECT is never covered.
func (e Event) Matches(op admissionv1.Operation) bool {
	switch e {
	case EventCreate:
		return op == admissionv1.Create
	case EventUpdate:
		return op == admissionv1.Update
	case EventDelete:
		return op == admissionv1.Delete
	case EventCreateOrUpdate:
		return op == admissionv1.Create || op == admissionv1.Update
	}
	return false
}

// Phase distinguishes mutating from validating bindings. Only mutating
// bindings exist today, the field is carried for forward compatibility and is
// not consulted during dispatch.
type Phase string

const (
	PhaseMutate   Phase = "Mutate"
	PhaseValidate Phase = "Validate"
)

// Action is a user callback invoked with the request wrapper of a matched
// admission request. It mutates the wrapper's working copy and returns an
// error on failure.
type Action func(ctx context.Context, req *Request) error

// Filters narrow a binding to a subset of matching objects. All the fields
// are conjunctive and optional.
type Filters struct {
	// Namespaces restricts the binding to objects in one of the listed
	// namespaces. Empty means any namespace, including cluster scope.
	Namespaces []string

	// Labels are required metadata labels. An empty value requires only the
	// presence of the key.
	Labels map[string]string

	// Annotations are required metadata annotations, with the same value
	// semantics as Labels.
	Annotations map[string]string
}

func (f Filters) clone() Filters {
	c := Filters{}
	if len(f.Namespaces) > 0 {
		c.Namespaces = append([]string{}, f.Namespaces...)
	}
	if len(f.Labels) > 0 {
		c.Labels = make(map[string]string, len(f.Labels))
		for k, v := range f.Labels {
			c.Labels[k] = v
		}
	}
	if len(f.Annotations) > 0 {
		c.Annotations = make(map[string]string, len(f.Annotations))
		for k, v := range f.Annotations {
			c.Annotations[k] = v
		}
	}
	return c
}

// Binding is a single rule, a filter plus a callback. Bindings are immutable
// once registered on a capability.
type Binding struct {
	// Event is the lifecycle event the binding reacts to.
	Event Event

	// Kind identifies the target resource type. Kind must be set, empty
	// group or version match any group or version.
	Kind metav1.GroupVersionKind

	// Phase of the binding. Always PhaseMutate today.
	Phase Phase

	// Filters narrow the matched objects.
	Filters Filters

	// Callback is invoked for every matched request.
	Callback Action
}
