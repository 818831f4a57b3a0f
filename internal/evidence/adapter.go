// Package evidence queries the pre-built per-party document indexes.
package evidence

import (
	"context"
	"sort"
	"sync"

	"github.com/ziadkadry99/partychat/internal/domain"
)

// Adapter searches one or more party indexes. Passages are returned ranked
// by descending score in [0,1]. Implementations must be safe for concurrent
// use.
type Adapter interface {
	Query(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error)
}

// Registry routes queries to the adapter registered for the party. A party
// without an adapter fails with IndexUnavailable.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register sets the adapter for partyID, replacing any previous one.
func (r *Registry) Register(partyID string, a Adapter) {
	r.mu.Lock()
	r.adapters[partyID] = a
	r.mu.Unlock()
}

// Remove unloads the adapter for partyID.
func (r *Registry) Remove(partyID string) {
	r.mu.Lock()
	delete(r.adapters, partyID)
	r.mu.Unlock()
}

// Has reports whether partyID has a loaded index.
func (r *Registry) Has(partyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[partyID]
	return ok
}

// PartyIDs returns the parties with a loaded index, sorted.
func (r *Registry) PartyIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Query(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
	r.mu.RLock()
	a, ok := r.adapters[partyID]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.IndexUnavailable(partyID)
	}
	return a.Query(ctx, text, partyID, budget)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error)

func (f AdapterFunc) Query(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
	return f(ctx, text, partyID, budget)
}
