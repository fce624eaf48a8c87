package aircraft

import (
	"sync"
	"time"
)

// Registry is the authoritative in-memory map of aircraft id to latest state.
// All access is serialized behind one lock.
type Registry struct {
	mu       sync.RWMutex
	aircraft map[string]*State
	now      func() time.Time
}

// NewRegistry creates an empty registry using the wall clock
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock creates an empty registry with an injectable clock
func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		aircraft: make(map[string]*State),
		now:      now,
	}
}

// Upsert inserts or fully replaces the entry for id and refreshes LastSeenAt.
// The stored copy is returned.
func (r *Registry) Upsert(id string, state State) State {
	now := r.now().UTC()
	stored := state.Clone()
	stored.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()

	stored.LastSeenAt = now
	if prev, ok := r.aircraft[id]; ok && prev.LastSeenAt.After(now) {
		stored.LastSeenAt = prev.LastSeenAt
	}
	r.aircraft[id] = &stored

	return stored.Clone()
}

// Get returns a copy of the state for id
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.aircraft[id]
	if !ok {
		return State{}, false
	}
	return s.Clone(), true
}

// Snapshot returns copies of all current entries in no particular order
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]State, 0, len(r.aircraft))
	for _, s := range r.aircraft {
		out = append(out, s.Clone())
	}
	return out
}

// FindStale returns ids whose last update is more than timeout before now
func (r *Registry) FindStale(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, s := range r.aircraft {
		if now.Sub(s.LastSeenAt) > timeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// RemoveStale atomically finds and removes stale entries. A report that lands
// between a separate FindStale and Remove would otherwise be swept anyway.
func (r *Registry) RemoveStale(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, s := range r.aircraft {
		if now.Sub(s.LastSeenAt) > timeout {
			delete(r.aircraft, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Remove deletes the entry for id. Removing a missing id is a no-op.
// It reports whether an entry existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.aircraft[id]; !ok {
		return false
	}
	delete(r.aircraft, id)
	return true
}

// Count returns the number of tracked aircraft
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.aircraft)
}
