// Package capability provides the user-facing registration API of a module.
// A capability is a named, ordered group of bindings. Bindings are declared
// through a fluent chain starting at When and frozen when a callback is
// attached with Then.
package capability

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Capability is a named, ordered collection of bindings sharing
// configuration.
type Capability struct {
	// Name of the capability, unique within a module.
	Name string

	// Description is a human readable description of the capability.
	Description string

	// Namespaces restricts the whole capability to the listed namespaces.
	// Empty means no restriction.
	Namespaces []string

	bindings []Binding
}

// New creates a capability with the given name and description.
func New(name, description string) *Capability {
	return &Capability{
		Name:        name,
		Description: description,
	}
}

// WithNamespaces restricts the capability to the given namespaces.
func (c *Capability) WithNamespaces(namespaces ...string) *Capability {
	c.Namespaces = append(c.Namespaces, namespaces...)
	return c
}

// Bindings returns the registered bindings in registration order.
func (c *Capability) Bindings() []Binding {
	return c.bindings
}

// When starts a binding chain for the given resource kind.
func (c *Capability) When(gvk metav1.GroupVersionKind) *BindingAll {
	return &BindingAll{
		capability: c,
		binding: Binding{
			Kind:  gvk,
			Phase: PhaseMutate,
		},
	}
}

func (c *Capability) register(b Binding) {
	c.bindings = append(c.bindings, b)
}
