package triage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider is the interface for any suggestion backend.
type Provider interface {
	// Suggest classifies one input. Implementations that cannot block must
	// still honor the signature so callers never special-case them.
	Suggest(ctx context.Context, in *Input) (*Suggestion, error)

	// Key identifies the provider in the audit trail and in configuration.
	Key() string
}

// Registry holds the providers available for configuration-driven selection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider keyed by its Key, replacing any previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Key()] = p
}

// Get retrieves a provider by key.
func (r *Registry) Get(key string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	return p, ok
}

// Select returns the provider registered under key or ErrUnknownProvider.
func (r *Registry) Select(key string) (Provider, error) {
	p, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProvider, key, r.Keys())
	}
	return p, nil
}

// Keys returns the registered provider keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
