// Package filter decides whether a binding runs for an admission request.
package filter

import (
	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
)

// ShouldSkip returns true when the binding must not run for the request. The
// conditions are evaluated in order, any hit short-circuits:
//
//  1. event mismatch
//  2. globally ignored kind
//  3. globally ignored namespace
//  4. globally ignored labels
//  5. binding kind mismatch
//  6. binding namespace mismatch
//  7. binding label mismatch
//  8. binding annotation mismatch
//
// The global ignores take precedence over any binding-level match, giving
// cluster operators a hard opt-out that capabilities can not override.
func ShouldSkip(ignore config.Ignore, binding capability.Binding, req *capability.Request) bool {
	if !binding.Event.Matches(req.Operation()) {
		return true
	}

	if ignore.IgnoresKind(req.Kind()) {
		return true
	}

	if ignore.IgnoresNamespace(req.Namespace()) {
		return true
	}

	if ignore.IgnoresLabels(req.Labels()) {
		return true
	}

	if kindMismatch(binding, req) {
		return true
	}

	if namespaceMismatch(binding, req) {
		return true
	}

	if metadataMismatch(binding.Filters.Labels, req.Labels()) {
		return true
	}

	if metadataMismatch(binding.Filters.Annotations, req.Annotations()) {
		return true
	}

	return false
}

func kindMismatch(binding capability.Binding, req *capability.Request) bool {
	kind := req.Kind()
	if binding.Kind.Kind != kind.Kind {
		return true
	}
	if binding.Kind.Group != "" && binding.Kind.Group != kind.Group {
		return true
	}
	if binding.Kind.Version != "" && binding.Kind.Version != kind.Version {
		return true
	}
	return false
}

func namespaceMismatch(binding capability.Binding, req *capability.Request) bool {
	namespaces := binding.Filters.Namespaces
	if len(namespaces) == 0 {
		return false
	}
	// Cluster-scoped resources have an empty namespace and are not in any
	// namespace set.
	for _, ns := range namespaces {
		if ns == req.Namespace() && ns != "" {
			return false
		}
	}
	return true
}

// metadataMismatch checks required keys against stored metadata. An empty
// required value matches any stored value, only the key must be present.
func metadataMismatch(required map[string]string, stored map[string]string) bool {
	for k, v := range required {
		storedVal, ok := stored[k]
		if !ok {
			return true
		}
		if v != "" && storedVal != v {
			return true
		}
	}
	return false
}
