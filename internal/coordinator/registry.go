// Package coordinator schedules commit-notification cycles across every
// registered LiveQuery: it owns the RUN/HANDOVER/DELIVER fan-out that
// internal/livequery deliberately stays ignorant of, and is the
// implementation behind the livequery.Coordinator interface each LiveQuery
// holds a reference to.
package coordinator

import (
	"sync"

	"github.com/zoravur/livequery/internal/livequery"
	"github.com/zoravur/livequery/internal/storage"
)

// Entry is one registered LiveQuery plus the bits the coordinator needs to
// drive it that the core itself never touches: which table it is rooted
// at, its owning AffinityToken, and how to obtain a fresh Snapshot for the
// next dispatch cycle.
type Entry struct {
	ID           string
	Owner        livequery.AffinityToken
	LQ           *livequery.LiveQuery
	TableOrdinal int
	// NewSnapshot produces the Snapshot used as both the worker-visible and
	// owner-visible snapshot for one dispatch cycle. A single snapshot
	// plays both roles deliberately: this module has no separate storage
	// thread the way a multi-process engine would, so there is nothing to
	// gain from holding two distinct snapshot objects pinned to the same
	// version.
	NewSnapshot func() (storage.Snapshot, error)
}

// Registry is a concurrent-safe set of Entry, keyed by id. Grounded on the
// teacher's internal/reactive/registry.go (RWMutex-guarded map, Register/
// Unregister/Get/ForEach), generalized from *reactive.LiveQuery to *Entry.
type Registry struct {
	mu   sync.RWMutex
	data map[string]*Entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*Entry)}
}

// Register adds or replaces e under e.ID.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	r.data[e.ID] = e
	r.mu.Unlock()
}

// Unregister removes id, if present. Does not call LiveQuery.Unregister —
// callers that want the target cleared do that themselves before (or
// after) removing the registry entry.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

// Get returns the entry registered under id, if any.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[id]
	return e, ok
}

// Snapshot returns a point-in-time copy of the registered entries, safe to
// range over without holding the registry lock.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.data))
	for _, e := range r.data {
		out = append(out, e)
	}
	return out
}

// ForEach calls fn for every registered entry, stopping early if fn returns
// false. Held under a read lock for the duration, matching the teacher's
// Registry.ForEach — callers must not register/unregister from within fn.
func (r *Registry) ForEach(fn func(*Entry) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.data {
		if !fn(e) {
			break
		}
	}
}

// Len reports the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
