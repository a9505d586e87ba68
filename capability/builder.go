package capability

// The binding chain is a small state machine. BindingAll selects the event,
// BindingFilter narrows the match and attaches the first callback,
// BindToAction only chains further callbacks. Each state exposes only the
// methods valid in that state, so a finalized binding can not be mutated.

// BindingAll is the chain state after When, before an event is selected.
type BindingAll struct {
	capability *Capability
	binding    Binding
}

// IsCreated reacts to object creation.
func (b *BindingAll) IsCreated() *BindingFilter {
	b.binding.Event = EventCreate
	return &BindingFilter{capability: b.capability, binding: b.binding}
}

// IsUpdated reacts to object updates.
func (b *BindingAll) IsUpdated() *BindingFilter {
	b.binding.Event = EventUpdate
	return &BindingFilter{capability: b.capability, binding: b.binding}
}

// IsDeleted reacts to object deletion.
func (b *BindingAll) IsDeleted() *BindingFilter {
	b.binding.Event = EventDelete
	return &BindingFilter{capability: b.capability, binding: b.binding}
}

// IsCreatedOrUpdated reacts to both creation and updates.
func (b *BindingAll) IsCreatedOrUpdated() *BindingFilter {
	b.binding.Event = EventCreateOrUpdate
	return &BindingFilter{capability: b.capability, binding: b.binding}
}

// BindingFilter is the chain state that narrows the match and attaches the
// callback.
type BindingFilter struct {
	capability *Capability
	binding    Binding
}

// InNamespace restricts the binding to a single namespace. Multiple calls
// accumulate.
func (b *BindingFilter) InNamespace(namespace string) *BindingFilter {
	b.binding.Filters.Namespaces = append(b.binding.Filters.Namespaces, namespace)
	return b
}

// InOneOfNamespaces restricts the binding to any of the given namespaces.
func (b *BindingFilter) InOneOfNamespaces(namespaces ...string) *BindingFilter {
	b.binding.Filters.Namespaces = append(b.binding.Filters.Namespaces, namespaces...)
	return b
}

// WithLabel requires the object to carry the given label. Without a value,
// only the presence of the key is required. Multiple calls are conjunctive.
func (b *BindingFilter) WithLabel(key string, value ...string) *BindingFilter {
	if b.binding.Filters.Labels == nil {
		b.binding.Filters.Labels = map[string]string{}
	}
	b.binding.Filters.Labels[key] = firstOrEmpty(value)
	return b
}

// WithAnnotation requires the object to carry the given annotation, with the
// same value semantics as WithLabel.
func (b *BindingFilter) WithAnnotation(key string, value ...string) *BindingFilter {
	if b.binding.Filters.Annotations == nil {
		b.binding.Filters.Annotations = map[string]string{}
	}
	b.binding.Filters.Annotations[key] = firstOrEmpty(value)
	return b
}

// Then freezes the binding with the given callback and registers it on the
// capability.
func (b *BindingFilter) Then(action Action) *BindToAction {
	binding := b.binding
	binding.Filters = b.binding.Filters.clone()
	binding.Callback = action
	b.capability.register(binding)
	return &BindToAction{capability: b.capability, binding: b.binding}
}

// BindToAction is the chain state after a callback has been attached. It only
// allows chaining further callbacks sharing the same filter, each registered
// as a separate binding in registration order.
type BindToAction struct {
	capability *Capability
	binding    Binding
}

// Then registers an additional callback with the same event and filters.
func (b *BindToAction) Then(action Action) *BindToAction {
	binding := b.binding
	binding.Filters = b.binding.Filters.clone()
	binding.Callback = action
	b.capability.register(binding)
	return b
}

func firstOrEmpty(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}
