package addons

import (
	"sort"
	"sync"
)

// Registry is the in-memory, single-source-of-truth map of add-on name to
// loaded state. Only the lifecycle manager mutates it; every other
// component reads through it. Mutations are atomic replace-or-insert —
// readers observe either the pre- or post-mutation record, never a
// partially built one.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	lastErr string
}

// RegistryStatus summarises the registry for the status endpoint.
type RegistryStatus struct {
	Loaded    int    `json:"loaded"`
	Total     int    `json:"total"`
	LastError string `json:"last_error,omitempty"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Get returns the record for name, or nil if not present.
func (r *Registry) Get(name string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[name]
}

// GetAll returns all records ordered by name.
func (r *Registry) GetAll() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.Name < out[j].Manifest.Name
	})
	return out
}

// Put inserts or replaces the record keyed by its manifest name.
func (r *Registry) Put(rec *Record) {
	r.mu.Lock()
	r.records[rec.Manifest.Name] = rec
	r.mu.Unlock()
}

// Remove deletes the record for name. Returns false if it was not present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		return false
	}
	delete(r.records, name)
	return true
}

// SetLastError records the most recent lifecycle failure for Status.
func (r *Registry) SetLastError(msg string) {
	r.mu.Lock()
	r.lastErr = msg
	r.mu.Unlock()
}

// Status returns loaded/total counts and the last lifecycle error.
func (r *Registry) Status() RegistryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RegistryStatus{Total: len(r.records), LastError: r.lastErr}
	for _, rec := range r.records {
		if rec.Loaded {
			st.Loaded++
		}
	}
	return st
}
