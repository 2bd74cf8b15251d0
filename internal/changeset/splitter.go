package changeset

import (
	"log/slog"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

type SplitterOptions struct {
	// Scope limits the splitter to a subset of ids. Nil means the whole store.
	Scope mapset.Set[ElementID]
}

// Splitter pulls bounded, dependency-ordered batches out of a store.
type Splitter struct {
	store *Store
	scope mapset.Set[ElementID]
	seq   int64
	mu    sync.Mutex
}

func NewSplitter(store *Store, opts SplitterOptions) *Splitter {
	return &Splitter{
		store: store,
		scope: opts.Scope,
	}
}

// NextSequence reserves a sequence number for a batch derived outside Next.
func (sp *Splitter) NextSequence() int64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.seq++
	return sp.seq
}

// Next returns the next batch of at most maxElements available changes and
// marks them in flight. Every call consumes a sequence number.
func (sp *Splitter) Next(maxElements int) (*Batch, bool) {
	if maxElements < 1 {
		maxElements = 1
	}
	seq := sp.NextSequence()

	s := sp.store
	s.mu.Lock()
	defer s.mu.Unlock()

	b := NewBatch(seq)
	for _, group := range sp.groups() {
		if b.Size()+len(group) <= maxElements {
			for _, e := range group {
				b.Add(e.ID, e.Action)
			}
			continue
		}
		if b.Empty() {
			// the group alone is over the ceiling, send its head now
			for _, e := range group[:maxElements] {
				b.Add(e.ID, e.Action)
			}
		}
		break
	}
	if b.Empty() {
		return nil, false
	}

	for _, e := range b.entries {
		if c, ok := s.lookup(e.ID); ok {
			c.status = StatusBuffering
		}
	}
	slog.Debug("changeset batch", "sequence", seq, "size", b.Size())
	return b, true
}

// HasMore reports whether any change is still available for batching.
func (sp *Splitter) HasMore() bool {
	return sp.any(func(st Status) bool { return st == StatusAvailable })
}

// IsDone reports whether every change in scope reached a terminal state.
func (sp *Splitter) IsDone() bool {
	return !sp.any(func(st Status) bool { return st == StatusAvailable || st == StatusBuffering })
}

func (sp *Splitter) any(match func(Status) bool) bool {
	s := sp.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range elementTypes {
		for _, a := range actions {
			for id, c := range s.changes[t][a] {
				if match(c.status) && sp.inScope(ElementID{Type: t, ID: id}) {
					return true
				}
			}
		}
	}
	return false
}

func (sp *Splitter) inScope(id ElementID) bool {
	return sp.scope == nil || sp.scope.Contains(id)
}

// available is called with the store lock held.
func (sp *Splitter) available(id ElementID) bool {
	c, ok := sp.store.lookup(id)
	return ok && c.status == StatusAvailable && sp.inScope(id)
}

// groups lists the available changes in send order. Creates and modifies are
// groups of one; a delete group holds a parent and the children it owns.
func (sp *Splitter) groups() [][]Entry {
	s := sp.store
	var groups [][]Entry
	push := func(t ElementType, a Action, ids []int64) {
		for _, id := range ids {
			eid := ElementID{Type: t, ID: id}
			if sp.available(eid) {
				groups = append(groups, []Entry{{ID: eid, Action: a}})
			}
		}
	}

	push(Node, Create, s.sortedIDs(Node, Create))
	push(Way, Create, s.sortedIDs(Way, Create))
	push(Relation, Create, sp.store.relationOrder(Create))
	for _, t := range elementTypes {
		push(t, Modify, s.sortedIDs(t, Modify))
	}
	return append(groups, sp.deleteGroups()...)
}

// relationOrder returns the relations carrying action a with member
// relations ahead of the relations that contain them. Called with the store
// lock held.
func (s *Store) relationOrder(a Action) []int64 {
	set := s.changes[Relation][a]
	type frame struct {
		id  int64
		pos int
	}
	visited := map[int64]bool{}
	order := make([]int64, 0, len(set))
	for _, root := range s.sortedIDs(Relation, a) {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			members := set[top.id].elem.Members
			if top.pos >= len(members) {
				order = append(order, top.id)
				stack = stack[:len(stack)-1]
				continue
			}
			m := members[top.pos]
			top.pos++
			if m.Type != Relation || visited[m.Ref] {
				continue
			}
			if _, ok := set[m.Ref]; !ok {
				continue
			}
			visited[m.Ref] = true
			stack = append(stack, frame{id: m.Ref})
		}
	}
	return order
}

// relationDeleteOrder puts deleted relations ahead of the deleted relations
// they contain.
func (s *Store) relationDeleteOrder() []int64 {
	order := s.relationOrder(Delete)
	slices.Reverse(order)
	return order
}

// deleteGroups builds delete groups in Relation, Way, Node order, containing
// relations first. A child is owned by a parent when that parent is the only
// element in the store that references it and both are being deleted.
func (sp *Splitter) deleteGroups() [][]Entry {
	s := sp.store
	referrers := map[ElementID]int{}
	for _, t := range []ElementType{Way, Relation} {
		for _, a := range actions {
			for _, c := range s.changes[t][a] {
				seen := mapset.NewThreadUnsafeSet[ElementID]()
				for _, r := range c.elem.Refs() {
					if seen.Add(r) {
						referrers[r]++
					}
				}
			}
		}
	}

	claimed := map[ElementID]bool{}
	var groups [][]Entry
	for _, t := range []ElementType{Relation, Way, Node} {
		ids := s.sortedIDs(t, Delete)
		if t == Relation {
			ids = s.relationDeleteOrder()
		}
		for _, id := range ids {
			eid := ElementID{Type: t, ID: id}
			if claimed[eid] || !sp.available(eid) {
				continue
			}
			claimed[eid] = true
			group := []Entry{{ID: eid, Action: Delete}}
			queue := []ElementID{eid}
			for len(queue) > 0 {
				parent := s.changes[queue[0].Type][Delete][queue[0].ID]
				queue = queue[1:]
				for _, child := range parent.elem.Refs() {
					if claimed[child] || referrers[child] != 1 || !sp.available(child) {
						continue
					}
					if a := s.index[child]; a != Delete {
						continue
					}
					claimed[child] = true
					group = append(group, Entry{ID: child, Action: Delete})
					queue = append(queue, child)
				}
			}
			groups = append(groups, group)
		}
	}
	return groups
}
