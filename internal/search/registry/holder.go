package registry

import "sync/atomic"

// Holder publishes the current registry to concurrent readers. Reloading
// builds a fresh Registry and swaps the pointer.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder returns a holder publishing r.
func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

// Load returns the registry in effect. Callers keep the returned value for
// the whole request.
func (h *Holder) Load() *Registry {
	return h.current.Load()
}

// Swap installs r and returns the previous registry.
func (h *Holder) Swap(r *Registry) *Registry {
	return h.current.Swap(r)
}
