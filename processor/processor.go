// Package processor runs matched capability bindings against an admission
// request and computes the resulting JSON patch.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
	"github.com/pepr-dev/pepr/filter"
	"github.com/pepr-dev/pepr/object"
)

var log = ctrl.Log.WithName("processor")

// Annotation prefix of the per-capability processing markers stamped on
// mutated objects.
const annotationPrefix = "pepr.dev"

// Values of the processing marker annotations.
const (
	statusStarted   = "started"
	statusSucceeded = "succeeded"
	statusWarning   = "warning"
)

// rejectMessage is the result message returned when a callback failure
// rejects the request.
const rejectMessage = "module configured to reject on error"

// patchFailedMessage is the result message returned when the patch diff could
// not be computed.
const patchFailedMessage = "patch computation failed"

// CallbackError wraps a user callback failure with the capability it belongs
// to.
type CallbackError struct {
	Capability string
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback of capability %q failed: %v", e.Capability, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// CallbackFailure marks the error as a callback failure.
func (e *CallbackError) CallbackFailure() bool { return true }

// malformedRequestError marks a request that is missing required fields.
type malformedRequestError struct {
	error
}

func (malformedRequestError) MalformedRequest() bool { return true }

// patchError marks a failed patch computation.
type patchError struct {
	error
}

func (patchError) PatchComputationFailure() bool { return true }

// Process runs the given capabilities against one admission request and
// returns the admission response. It is a pure function of its arguments, the
// capabilities and configuration are only read.
//
// A non-nil error is returned for requests that can not be processed at all:
// malformed requests, classified by error.IsMalformedRequest and answered
// with HTTP 400 by the transport, and context cancellation, where the
// transport emits no processor response.
func Process(ctx context.Context, cfg config.Module, capabilities []*capability.Capability, req admissionv1.AdmissionRequest) (admissionv1.AdmissionResponse, error) {
	if err := assertWellFormed(req); err != nil {
		return admissionv1.AdmissionResponse{}, err
	}

	wrapper, err := capability.NewRequest(req)
	if err != nil {
		return admissionv1.AdmissionResponse{}, err
	}

	response := admissionv1.AdmissionResponse{
		UID:     req.UID,
		Allowed: false,
	}
	var warnings []string

	for _, c := range capabilities {
		if !capabilityCoversNamespace(c, req.Namespace) {
			continue
		}

		for _, binding := range c.Bindings() {
			if filter.ShouldSkip(cfg.AlwaysIgnore, binding, wrapper) {
				continue
			}

			// Abort at the callback boundary when the transport has given
			// up on the request.
			if ctx.Err() != nil {
				return admissionv1.AdmissionResponse{}, ctx.Err()
			}

			stamp(wrapper, cfg.ID, c.Name, statusStarted)

			if err := invoke(ctx, binding, wrapper); err != nil {
				cbErr := &CallbackError{Capability: c.Name, Err: err}
				log.Error(cbErr, "binding callback failed",
					"uid", req.UID, "capability", c.Name, "kind", req.Kind.Kind)
				warnings = append(warnings, fmt.Sprintf("Action failed: %v", err))

				if cfg.RejectOnError {
					response.Allowed = false
					response.Result = &metav1.Status{Message: rejectMessage}
					response.Warnings = warnings
					return response, nil
				}

				stamp(wrapper, cfg.ID, c.Name, statusWarning)
				continue
			}

			stamp(wrapper, cfg.ID, c.Name, statusSucceeded)
		}
	}

	response.Allowed = true
	response.Warnings = warnings

	patch, err := computePatch(wrapper)
	if err != nil {
		log.Error(err, "failed to compute patch", "uid", req.UID)
		response.Allowed = false
		response.Result = &metav1.Status{Message: patchFailedMessage}
		return response, nil
	}

	patchType := admissionv1.PatchTypeJSONPatch
	response.Patch = patch
	response.PatchType = &patchType
	return response, nil
}

// assertWellFormed checks the request fields the processor depends on. The
// transport answers HTTP 400 for violations.
func assertWellFormed(req admissionv1.AdmissionRequest) error {
	if req.UID == "" {
		return malformedRequestError{errors.New("admission request has no uid")}
	}
	if req.Kind.Kind == "" {
		return malformedRequestError{errors.New("admission request has no kind")}
	}
	if req.Operation != admissionv1.Delete && len(req.Object.Raw) == 0 {
		return malformedRequestError{errors.Errorf("admission request %s has no object", req.UID)}
	}
	return nil
}

func capabilityCoversNamespace(c *capability.Capability, namespace string) bool {
	if len(c.Namespaces) == 0 {
		return true
	}
	for _, ns := range c.Namespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// invoke runs a single callback, converting a panic in user code into an
// error so one misbehaving binding can not take down the request.
func invoke(ctx context.Context, binding capability.Binding, wrapper *capability.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("callback panicked: %v", r)
		}
	}()
	return binding.Callback(ctx, wrapper)
}

// stamp records the processing state of a capability on the working copy.
// A later state for the same capability overwrites an earlier one, distinct
// capabilities use distinct keys.
func stamp(wrapper *capability.Request, moduleID, capabilityName, status string) {
	key := fmt.Sprintf("%s/%s/%s", annotationPrefix, moduleID, capabilityName)
	object.EnsureMap(wrapper.Raw.Object, "metadata", "annotations")[key] = status
}

// computePatch diffs the inbound object against the working copy into an
// RFC 6902 JSON Patch document. The operations are ordered by path so equal
// inputs always serialize identically. Requests without an object, such as
// DELETE, produce the empty patch.
func computePatch(wrapper *capability.Request) ([]byte, error) {
	original := wrapper.OriginalJSON()
	if len(original) == 0 {
		return []byte("[]"), nil
	}

	mutated, err := json.Marshal(wrapper.Raw)
	if err != nil {
		return nil, patchError{errors.Wrap(err, "failed to marshal mutated object")}
	}

	ops, err := jsonpatch.CreatePatch(original, mutated)
	if err != nil {
		return nil, patchError{errors.Wrap(err, "failed to diff objects")}
	}
	if ops == nil {
		ops = []jsonpatch.Operation{}
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return ops[i].Operation < ops[j].Operation
	})

	patch, err := json.Marshal(ops)
	if err != nil {
		return nil, patchError{errors.Wrap(err, "failed to marshal patch")}
	}
	return patch, nil
}
