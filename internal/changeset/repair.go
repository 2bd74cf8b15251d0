package changeset

import (
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
)

// Repair rewrites the store into an uploadable state and returns the
// failure records describing what it dropped. It never fails: everything
// fixable is fixed and the rest is reported. Calling it again is a no-op.
func (s *Store) Repair() []FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.failures)
	s.collapseDuplicates()
	s.dropProvisionalUpdates()
	s.dropDanglingRefs()
	s.breakRelationCycles()
	s.dropReferencedDeletes()

	fixed := append([]FailureRecord(nil), s.failures[start:]...)
	if len(fixed) > 0 {
		slog.Info("changeset repair", "fixed", len(fixed), "remaining", len(s.index))
	}
	return fixed
}

func (s *Store) recordRepair(class FailureClass, action Action, elem *Element, msg string, ids ...ElementID) {
	s.failures = append(s.failures, FailureRecord{
		IDs:     ids,
		Action:  action,
		Class:   class,
		Message: msg,
		Element: elem.Clone(),
	})
}

// collapseDuplicates enforces one slot per id.
func (s *Store) collapseDuplicates() {
	for _, t := range elementTypes {
		for _, a := range actions {
			for id := range s.changes[t][a] {
				eid := ElementID{Type: t, ID: id}
				if owner, ok := s.index[eid]; !ok || owner != a {
					slog.Debug("changeset repair duplicate", "id", eid, "action", a)
					delete(s.changes[t][a], id)
				}
			}
		}
	}
}

// dropProvisionalUpdates removes modifies and deletes of ids that were never
// created server-side.
func (s *Store) dropProvisionalUpdates() {
	for _, t := range elementTypes {
		for _, a := range []Action{Modify, Delete} {
			for _, id := range s.sortedIDs(t, a) {
				if id >= 0 {
					continue
				}
				eid := ElementID{Type: t, ID: id}
				c := s.changes[t][a][id]
				s.recordRepair(ClassReferential, a, c.elem, fmt.Sprintf("%s of provisional %s", a, eid), eid)
				s.remove(eid)
			}
		}
	}
}

// dropDanglingRefs removes references to provisional ids that nothing in the
// store creates. Server ids are assumed to exist remotely.
func (s *Store) dropDanglingRefs() {
	exists := func(id ElementID) bool {
		if id.ID >= 0 {
			return true
		}
		a, ok := s.index[id]
		return ok && a == Create
	}

	for _, t := range []ElementType{Way, Relation} {
		for _, a := range []Action{Create, Modify} {
			for _, id := range s.sortedIDs(t, a) {
				c := s.changes[t][a][id]
				parent := ElementID{Type: t, ID: id}
				snapshot := c.elem.Clone()
				switch t {
				case Way:
					kept := c.elem.Nodes[:0]
					for _, n := range c.elem.Nodes {
						child := ElementID{Type: Node, ID: n}
						if exists(child) {
							kept = append(kept, n)
							continue
						}
						s.recordRepair(ClassReferential, a, snapshot, "dangling reference to "+child.String(), parent, child)
					}
					c.elem.Nodes = kept
				case Relation:
					kept := c.elem.Members[:0]
					for _, m := range c.elem.Members {
						if exists(m.ElementID()) {
							kept = append(kept, m)
							continue
						}
						s.recordRepair(ClassReferential, a, snapshot, "dangling reference to "+m.ElementID().String(), parent, m.ElementID())
					}
					c.elem.Members = kept
				}
			}
		}
	}
}

// breakRelationCycles walks relation membership iteratively and drops each
// member edge that closes a cycle.
func (s *Store) breakRelationCycles() {
	const (
		white = iota
		grey
		black
	)
	color := map[int64]int{}
	relation := func(id int64) (*change, bool) {
		for _, a := range []Action{Create, Modify} {
			if c, ok := s.changes[Relation][a][id]; ok {
				return c, true
			}
		}
		return nil, false
	}

	type frame struct {
		id  int64
		pos int
	}

	var roots []int64
	roots = append(roots, s.sortedIDs(Relation, Create)...)
	roots = append(roots, s.sortedIDs(Relation, Modify)...)

	for _, root := range roots {
		if color[root] != white {
			continue
		}
		color[root] = grey
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			c, _ := relation(top.id)
			if top.pos >= len(c.elem.Members) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			m := c.elem.Members[top.pos]
			if m.Type != Relation {
				top.pos++
				continue
			}
			if _, ok := relation(m.Ref); !ok {
				top.pos++
				continue
			}
			switch color[m.Ref] {
			case grey:
				parent := ElementID{Type: Relation, ID: top.id}
				s.recordRepair(ClassReferential, c.action, c.elem, "membership cycle through "+m.ElementID().String(), parent, m.ElementID())
				c.elem.Members = append(c.elem.Members[:top.pos:top.pos], c.elem.Members[top.pos+1:]...)
			case white:
				top.pos++
				color[m.Ref] = grey
				stack = append(stack, frame{id: m.Ref})
			default:
				top.pos++
			}
		}
	}
}

// dropReferencedDeletes removes deletes of elements still referenced by a
// surviving way or relation. Dropping a delete makes that element survive,
// so this runs to a fixed point.
func (s *Store) dropReferencedDeletes() {
	// elements whose delete was dropped still exist, and so do their refs
	var kept []*Element
	for {
		referenced := mapset.NewThreadUnsafeSet[ElementID]()
		for _, t := range []ElementType{Way, Relation} {
			for _, a := range []Action{Create, Modify} {
				for _, c := range s.changes[t][a] {
					referenced.Append(c.elem.Refs()...)
				}
			}
		}
		for _, e := range kept {
			referenced.Append(e.Refs()...)
		}

		changed := false
		for _, t := range elementTypes {
			for _, id := range s.sortedIDs(t, Delete) {
				eid := ElementID{Type: t, ID: id}
				if !referenced.Contains(eid) {
					continue
				}
				c := s.changes[t][Delete][id]
				s.recordRepair(ClassReferential, Delete, c.elem, eid.String()+" is still referenced", eid)
				kept = append(kept, c.elem)
				s.remove(eid)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}
