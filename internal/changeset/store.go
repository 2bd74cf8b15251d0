package changeset

import (
	"log/slog"
	"sort"
	"sync"
)

// Status is the lifecycle state of a pending change.
type Status int

const (
	StatusAvailable Status = iota
	StatusBuffering
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusBuffering:
		return "buffering"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

type change struct {
	elem   *Element
	action Action
	status Status
}

// Store holds pending changes per element type and action.
// An id occupies at most one (type, action) slot.
type Store struct {
	changes  [3][3]map[int64]*change
	index    map[ElementID]Action
	remap    *RemapTable
	failures []FailureRecord
	minID    [3]int64
	// deleteIfUnused is carried from the input to the delete blocks we render.
	deleteIfUnused bool
	mu             sync.RWMutex
}

func NewStore() *Store {
	s := &Store{
		index: make(map[ElementID]Action),
		remap: NewRemapTable(),
	}
	for _, t := range elementTypes {
		for _, a := range actions {
			s.changes[t][a] = make(map[int64]*change)
		}
	}
	return s
}

// Remap returns the shared id/version remap table.
func (s *Store) Remap() *RemapTable {
	return s.remap
}

// merge adds one loaded change applying the precedence rules: a later action
// replaces an earlier one, except that modify always wins over delete.
// Caller holds the write lock.
func (s *Store) merge(action Action, e *Element) {
	id := e.ElementID()
	if prev, ok := s.index[id]; ok {
		if prev == Modify && action == Delete {
			slog.Debug("changeset merge", "id", id, "kept", Modify, "dropped", Delete)
			return
		}
		if prev == Delete && action == Modify {
			slog.Debug("changeset merge", "id", id, "kept", Modify, "dropped", Delete)
		}
		// a provisional element only exists once created, so it stays a create
		if prev == Create && action == Modify && id.IsProvisional() {
			action = Create
		}
		delete(s.changes[id.Type][prev], id.ID)
	}
	s.changes[id.Type][action][id.ID] = &change{elem: e, action: action}
	s.index[id] = action
	if id.ID < s.minID[id.Type] {
		s.minID[id.Type] = id.ID
	}
}

// remove drops a change completely. Caller holds the write lock.
func (s *Store) remove(id ElementID) {
	if a, ok := s.index[id]; ok {
		delete(s.changes[id.Type][a], id.ID)
		delete(s.index, id)
	}
}

func (s *Store) lookup(id ElementID) (*change, bool) {
	a, ok := s.index[id]
	if !ok {
		return nil, false
	}
	c, ok := s.changes[id.Type][a][id.ID]
	return c, ok
}

// allocateID returns a fresh provisional id. Caller holds the write lock.
func (s *Store) allocateID(t ElementType) int64 {
	next := min(s.minID[t], 0) - 1
	s.minID[t] = next
	return next
}

// sortedIDs returns the ids in one slot in identifier order. Caller holds a lock.
func (s *Store) sortedIDs(t ElementType, a Action) []int64 {
	m := s.changes[t][a]
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	return ids
}

// Get returns a copy of the pending element and its action.
func (s *Store) Get(id ElementID) (*Element, Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.lookup(id)
	if !ok {
		return nil, 0, false
	}
	return c.elem.Clone(), c.action, true
}

// Status returns the lifecycle state of id.
func (s *Store) Status(id ElementID) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.lookup(id)
	if !ok {
		return 0, false
	}
	return c.status, true
}

// Count returns the number of changes held for a type/action pair.
func (s *Store) Count(t ElementType, a Action) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.changes[t][a])
}

// Len returns the number of changes held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// IDs returns every id held for a type/action pair in identifier order.
func (s *Store) IDs(t ElementType, a Action) []ElementID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw := s.sortedIDs(t, a)
	ids := make([]ElementID, len(raw))
	for i, id := range raw {
		ids[i] = ElementID{Type: t, ID: id}
	}
	return ids
}

// SetVersion rebases a pending change onto the server's version.
func (s *Store) SetVersion(id ElementID, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(id)
	if !ok {
		return false
	}
	if c.elem.Version != version {
		slog.Debug("changeset rebase", "id", id, "from", c.elem.Version, "to", version)
	}
	c.elem.Version = version
	return true
}

// Release returns in-flight changes to the available pool.
func (s *Store) Release(ids ...ElementID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.lookup(id); ok && c.status == StatusBuffering {
			c.status = StatusAvailable
		}
	}
}

// MarkFinished marks changes as applied server-side.
func (s *Store) MarkFinished(ids ...ElementID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.lookup(id); ok {
			c.status = StatusFinished
		}
	}
}

// Fail marks id as failed and records rec. When id is a provisional create,
// every unfinished change that references it is failed as well, since it
// could never be uploaded. It returns all ids that were failed.
func (s *Store) Fail(id ElementID, rec FailureRecord) []ElementID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []ElementID
	visited := map[ElementID]struct{}{}
	stack := []pendingFailure{{id: id, rec: rec}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cur.id]; seen {
			continue
		}
		visited[cur.id] = struct{}{}

		c, ok := s.lookup(cur.id)
		if !ok || c.status == StatusFinished || c.status == StatusFailed {
			continue
		}
		c.status = StatusFailed
		cur.rec.Action = c.action
		if cur.rec.Element == nil {
			cur.rec.Element = c.elem.Clone()
		}
		if len(cur.rec.IDs) == 0 {
			cur.rec.IDs = []ElementID{cur.id}
		}
		s.failures = append(s.failures, cur.rec)
		failed = append(failed, cur.id)

		if !(c.action == Create && cur.id.IsProvisional()) {
			continue
		}
		for _, parent := range s.parentsOf(cur.id) {
			stack = append(stack, pendingFailure{
				id: parent,
				rec: FailureRecord{
					Sequence: rec.Sequence,
					Class:    ClassReferential,
					Message:  "depends on failed " + cur.id.String(),
				},
			})
		}
	}
	return failed
}

type pendingFailure struct {
	id  ElementID
	rec FailureRecord
}

// parentsOf returns unfinished ways/relations referencing id. Caller holds a lock.
func (s *Store) parentsOf(id ElementID) []ElementID {
	var parents []ElementID
	for _, t := range []ElementType{Way, Relation} {
		for _, a := range []Action{Create, Modify} {
			for _, pid := range s.sortedIDs(t, a) {
				c := s.changes[t][a][pid]
				if c.status == StatusFinished || c.status == StatusFailed {
					continue
				}
				if c.elem.References(id) {
					parents = append(parents, ElementID{Type: t, ID: pid})
				}
			}
		}
	}
	return parents
}

// Satisfy finishes id without a server answer and records rec, for changes
// the server state already reflects, like deleting an element that is gone.
func (s *Store) Satisfy(id ElementID, rec FailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(id)
	if !ok {
		return
	}
	c.status = StatusFinished
	rec.Action = c.action
	if rec.Element == nil {
		rec.Element = c.elem.Clone()
	}
	if len(rec.IDs) == 0 {
		rec.IDs = []ElementID{id}
	}
	s.failures = append(s.failures, rec)
}

// Restore marks ids finished and replays remaps, resuming an earlier run.
// Unknown ids are ignored.
func (s *Store) Restore(finished []ElementID, remaps map[ElementID]Remap) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range remaps {
		s.remap.Set(id, m)
		if c, ok := s.lookup(id); ok && c.action == Create {
			c.elem.Version = m.NewVersion
		}
	}
	n := 0
	for _, id := range finished {
		if c, ok := s.lookup(id); ok && c.status != StatusFinished {
			c.status = StatusFinished
			n++
		}
	}
	return n
}

// RecordFailure appends a failure record without changing any status.
func (s *Store) RecordFailure(rec FailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, rec)
}

// Failures returns a copy of all failure records so far.
func (s *Store) Failures() []FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FailureRecord(nil), s.failures...)
}

// Stats is a point-in-time view of store progress.
type Stats struct {
	Total     int
	Processed int
	Failed    int
	InFlight  int
	ByType    [3]int
	ByAction  [3]int
}

// Stats counts every change by status, type and action.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, t := range elementTypes {
		for _, a := range actions {
			for _, c := range s.changes[t][a] {
				st.Total++
				st.ByType[t]++
				st.ByAction[a]++
				switch c.status {
				case StatusFinished:
					st.Processed++
				case StatusFailed:
					st.Failed++
				case StatusBuffering:
					st.InFlight++
				}
			}
		}
	}
	return st
}

// ProcessedCount is the number of changes applied server-side.
func (s *Store) ProcessedCount() int {
	return s.Stats().Processed
}
