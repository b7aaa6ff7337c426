package preview

import "github.com/fpang/mirage/internal/filehandler"

// Slot holds at most one live binding. It is not safe for concurrent use; the
// owning controller guards it with its own lock.
type Slot struct {
	name     string
	registry *Registry
	current  *Binding
}

// NewSlot creates an empty slot whose bindings are registered in r.
func NewSlot(r *Registry, name string) *Slot {
	return &Slot{name: name, registry: r}
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// Replace releases the current binding, if any, and binds file in its place.
func (s *Slot) Replace(file *filehandler.ImageFile) *Binding {
	s.Clear()
	s.current = s.registry.Bind(s.name, file)
	return s.current
}

// Clear releases the current binding, if any.
func (s *Slot) Clear() {
	if s.current != nil {
		s.current.Release()
		s.current = nil
	}
}

// Current returns the live binding, or nil.
func (s *Slot) Current() *Binding { return s.current }

// Bound reports whether the slot holds a binding.
func (s *Slot) Bound() bool { return s.current != nil }

// Handle returns the current handle, or "".
func (s *Slot) Handle() string {
	if s.current == nil {
		return ""
	}
	return s.current.handle
}
