package provider

import (
	"fmt"

	"github.com/lfarias/mailkeep/internal/store"
)

// Registry maps the closed set of provider kinds to adapter implementations.
// An account's adapter is resolved once at load time and carried on the
// session context, never looked up by string tag mid-job.
type Registry struct {
	adapters map[store.ProviderKind]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[store.ProviderKind]Adapter)}
}

// Register binds an adapter to a provider kind.
func (r *Registry) Register(kind store.ProviderKind, a Adapter) {
	r.adapters[kind] = a
}

// Resolve returns the adapter for a provider kind.
func (r *Registry) Resolve(kind store.ProviderKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", kind)
	}
	return a, nil
}
