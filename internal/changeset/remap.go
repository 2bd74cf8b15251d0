package changeset

import "sync"

// Remap is the server-assigned identity of a provisional element.
type Remap struct {
	NewID      int64
	NewVersion int64
}

// RemapTable maps provisional ids to server ids and versions.
// Entries are never removed.
type RemapTable struct {
	entries map[ElementID]Remap
	mu      sync.RWMutex
}

func NewRemapTable() *RemapTable {
	return &RemapTable{entries: make(map[ElementID]Remap)}
}

// Set records a remap. The first remap for an id wins.
func (r *RemapTable) Set(old ElementID, to Remap) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[old]; ok {
		return false
	}
	r.entries[old] = to
	return true
}

func (r *RemapTable) Get(old ElementID) (Remap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[old]
	return m, ok
}

// Resolve returns the current id for t/id.
func (r *RemapTable) Resolve(t ElementType, id int64) int64 {
	if id >= 0 {
		return id
	}
	if m, ok := r.Get(ElementID{Type: t, ID: id}); ok {
		return m.NewID
	}
	return id
}

func (r *RemapTable) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns a copy of the table.
func (r *RemapTable) Entries() map[ElementID]Remap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ElementID]Remap, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}
