// Package config contains the module-wide configuration. It is read once at
// process start and passed by value into the processor on every request.
package config

import (
	"encoding/json"
	"io/ioutil"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Module is the process-wide module configuration.
type Module struct {
	// ID is the stable module identifier. It is part of the annotation keys
	// stamped on processed objects.
	ID string `json:"id"`

	// Description is a human readable description of the module.
	Description string `json:"description,omitempty"`

	// Version is the module version. When set, it must be a valid semantic
	// version.
	Version string `json:"version,omitempty"`

	// AlwaysIgnore is a global filter applied before any binding-level
	// matching. Capabilities can not override it.
	AlwaysIgnore Ignore `json:"alwaysIgnore,omitempty"`

	// RejectOnError rejects the admission request on the first callback
	// failure instead of recording a warning and continuing.
	RejectOnError bool `json:"rejectOnError,omitempty"`
}

// Ignore describes resources that are never processed. All the fields are
// independent, a request matching any of them is skipped.
type Ignore struct {
	// Kinds to ignore. An empty group or version on an entry matches any
	// group or version.
	Kinds []metav1.GroupVersionKind `json:"kinds,omitempty"`

	// Namespaces to ignore.
	Namespaces []string `json:"namespaces,omitempty"`

	// Labels is a list of label matchers. A matcher ignores an object when
	// all of its key/value pairs are present in the object's labels.
	Labels []map[string]string `json:"labels,omitempty"`
}

// Load reads a module configuration from a JSON file and validates it.
func Load(path string) (Module, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Module{}, errors.Wrap(err, "failed to read module config")
	}

	var m Module
	if err := json.Unmarshal(data, &m); err != nil {
		return Module{}, errors.Wrap(err, "failed to parse module config")
	}

	if err := m.Validate(); err != nil {
		return Module{}, err
	}
	return m, nil
}

// Validate checks the configuration for required fields and well-formed
// values.
func (m Module) Validate() error {
	if m.ID == "" {
		return errors.New("module config must have an id")
	}

	if m.Version != "" {
		if _, err := semver.Parse(m.Version); err != nil {
			return errors.Wrapf(err, "invalid module version %q", m.Version)
		}
	}

	return nil
}

// IgnoresKind returns true when the given kind matches one of the ignored
// kinds. Empty group and version fields on an ignore entry wildcard that
// dimension.
func (ig Ignore) IgnoresKind(gvk metav1.GroupVersionKind) bool {
	for _, k := range ig.Kinds {
		if k.Kind != gvk.Kind {
			continue
		}
		if k.Group != "" && k.Group != gvk.Group {
			continue
		}
		if k.Version != "" && k.Version != gvk.Version {
			continue
		}
		return true
	}
	return false
}

// IgnoresNamespace returns true when the given namespace is one of the
// ignored namespaces. Cluster-scoped resources have an empty namespace and
// never match.
func (ig Ignore) IgnoresNamespace(namespace string) bool {
	if namespace == "" {
		return false
	}
	for _, ns := range ig.Namespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// IgnoresLabels returns true when any of the label matchers has all its
// key/value pairs present in the given labels.
func (ig Ignore) IgnoresLabels(labels map[string]string) bool {
	for _, matcher := range ig.Labels {
		if len(matcher) == 0 {
			continue
		}
		matched := true
		for k, v := range matcher {
			if stored, ok := labels[k]; !ok || stored != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
