package changeset

import (
	"fmt"
	"log/slog"
	"strings"
)

// SplitStrategy selects how over-long ways are cut.
type SplitStrategy string

const (
	// SplitRelation cuts disjoint chunks and links them with a continuation relation.
	SplitRelation SplitStrategy = "relation"
	// SplitOverlap cuts chunks that share their endpoint nodes.
	SplitOverlap SplitStrategy = "overlap"
)

func ParseSplitStrategy(s string) (SplitStrategy, error) {
	switch SplitStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SplitRelation:
		return SplitRelation, nil
	case SplitOverlap:
		return SplitOverlap, nil
	}
	return "", fmt.Errorf("unknown split strategy %q", s)
}

type splitVariant struct {
	minRefs int
	link    bool
	chunk   func(nodes []int64, k int) [][]int64
}

var splitVariants = map[SplitStrategy]splitVariant{
	SplitRelation: {
		minRefs: 1,
		link:    true,
		chunk: func(nodes []int64, k int) [][]int64 {
			var out [][]int64
			for i := 0; i < len(nodes); i += k {
				out = append(out, append([]int64(nil), nodes[i:min(i+k, len(nodes))]...))
			}
			return out
		},
	},
	SplitOverlap: {
		minRefs: 2,
		chunk: func(nodes []int64, k int) [][]int64 {
			var out [][]int64
			for i := 0; i < len(nodes)-1; i += k - 1 {
				out = append(out, append([]int64(nil), nodes[i:min(i+k, len(nodes))]...))
			}
			return out
		},
	},
}

// ContinuationType is the type tag of the relation linking split pieces.
const ContinuationType = "continuation"

// SplitLongWays cuts every available created or modified way holding more
// than maxRefs nodes. The first piece keeps the original id and action, the
// others become creates with fresh provisional ids. Relations in the store
// that reference the original way gain the new pieces right after it. It
// returns the number of ways split and must run before batching starts.
func (s *Store) SplitLongWays(maxRefs int, strategy SplitStrategy) int {
	v, ok := splitVariants[strategy]
	if !ok {
		v = splitVariants[SplitRelation]
	}
	if maxRefs < v.minRefs {
		maxRefs = v.minRefs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	split := 0
	for _, a := range []Action{Create, Modify} {
		for _, id := range s.sortedIDs(Way, a) {
			c := s.changes[Way][a][id]
			if c.status != StatusAvailable || len(c.elem.Nodes) <= maxRefs {
				continue
			}
			chunks := v.chunk(c.elem.Nodes, maxRefs)
			if len(chunks) < 2 {
				continue
			}

			original := c.elem.ElementID()
			pieces := []ElementID{original}
			c.elem.Nodes = chunks[0]
			for _, nodes := range chunks[1:] {
				piece := &Element{
					Type:  Way,
					ID:    s.allocateID(Way),
					Tags:  append([]Tag(nil), c.elem.Tags...),
					Nodes: nodes,
				}
				s.merge(Create, piece)
				pieces = append(pieces, piece.ElementID())
			}
			s.attachPieces(original, pieces[1:])

			if v.link {
				link := &Element{
					Type: Relation,
					ID:   s.allocateID(Relation),
					Tags: []Tag{{Key: "type", Value: ContinuationType}},
				}
				for _, p := range pieces {
					link.Members = append(link.Members, Member{Type: Way, Ref: p.ID})
				}
				s.merge(Create, link)
			}
			slog.Debug("changeset split way", "id", original, "pieces", len(pieces), "strategy", strategy)
			split++
		}
	}
	return split
}

// attachPieces inserts the new pieces after every membership of original.
// Caller holds the write lock.
func (s *Store) attachPieces(original ElementID, pieces []ElementID) {
	if len(pieces) == 0 {
		return
	}
	for _, a := range []Action{Create, Modify} {
		for _, c := range s.changes[Relation][a] {
			if !c.elem.References(original) {
				continue
			}
			members := make([]Member, 0, len(c.elem.Members)+len(pieces))
			for _, m := range c.elem.Members {
				members = append(members, m)
				if m.ElementID() != original {
					continue
				}
				for _, p := range pieces {
					members = append(members, Member{Type: p.Type, Ref: p.ID, Role: m.Role})
				}
			}
			c.elem.Members = members
		}
	}
}
