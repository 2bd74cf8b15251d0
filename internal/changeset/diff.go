package changeset

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// DiffEntry is one line of an upload's diffResult. NewID is zero for deletes.
type DiffEntry struct {
	Type       ElementType
	OldID      int64
	NewID      int64
	NewVersion int64
}

type DiffResult struct {
	Entries []DiffEntry
}

// ParseDiffResult decodes the body the server returns for a successful upload.
func ParseDiffResult(body []byte) (*DiffResult, error) {
	var doc struct {
		XMLName xml.Name
		Items   []struct {
			XMLName    xml.Name
			OldID      string `xml:"old_id,attr"`
			NewID      string `xml:"new_id,attr"`
			NewVersion string `xml:"new_version,attr"`
		} `xml:",any"`
	}
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: diff result: %v", ErrParse, err)
	}
	if doc.XMLName.Local != "diffResult" {
		return nil, fmt.Errorf("%w: root element %q, want diffResult", ErrSchema, doc.XMLName.Local)
	}

	res := &DiffResult{}
	for _, it := range doc.Items {
		t, err := ParseElementType(it.XMLName.Local)
		if err != nil {
			continue
		}
		e := DiffEntry{Type: t}
		if e.OldID, err = strconv.ParseInt(it.OldID, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: diff result %s old_id %q", ErrSchema, t, it.OldID)
		}
		if it.NewID != "" {
			if e.NewID, err = strconv.ParseInt(it.NewID, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: diff result %s new_id %q", ErrSchema, t, it.NewID)
			}
		}
		if it.NewVersion != "" {
			if e.NewVersion, err = strconv.ParseInt(it.NewVersion, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: diff result %s new_version %q", ErrSchema, t, it.NewVersion)
			}
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

// ApplyDiff records the server's answer for a sent batch. Creates are added to
// the remap table and modified versions are rebased. Changes named in the
// diff are finished; batch members the diff does not mention stay in flight
// and are returned as missing.
func (s *Store) ApplyDiff(b *Batch, diff *DiffResult) (applied, missing []ElementID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the server echoes ids as they were rendered
	sent := make(map[ElementID]ElementID, b.Size())
	for _, id := range b.IDs() {
		sent[ElementID{Type: id.Type, ID: s.remap.Resolve(id.Type, id.ID)}] = id
	}

	done := mapset.NewThreadUnsafeSet[ElementID]()
	for _, d := range diff.Entries {
		id, ok := sent[ElementID{Type: d.Type, ID: d.OldID}]
		if !ok {
			slog.Warn("changeset diff for unknown element", "type", d.Type, "old_id", d.OldID, "batch", b.Sequence)
			continue
		}
		c, ok := s.lookup(id)
		if !ok {
			continue
		}
		switch c.action {
		case Create:
			if d.NewID != 0 {
				s.remap.Set(id, Remap{NewID: d.NewID, NewVersion: d.NewVersion})
			}
			c.elem.Version = d.NewVersion
		case Modify:
			c.elem.Version = d.NewVersion
		}
		c.status = StatusFinished
		if done.Add(id) {
			applied = append(applied, id)
		}
	}

	for _, id := range b.IDs() {
		if !done.Contains(id) {
			missing = append(missing, id)
		}
	}
	return applied, missing
}

// Scope is a set of ids that can be uploaded independently of other scopes.
type Scope = mapset.Set[ElementID]

// Shards partitions the available changes into at most n scopes. Elements
// connected through references always share a scope; components are spread
// so scopes stay close in size.
func (s *Store) Shards(n int) []Scope {
	if n < 1 {
		n = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	uf := newUnionFind()
	for _, t := range elementTypes {
		for _, a := range actions {
			for id, c := range s.changes[t][a] {
				if c.status != StatusAvailable {
					continue
				}
				eid := ElementID{Type: t, ID: id}
				uf.add(eid)
				for _, ref := range c.elem.Refs() {
					if rc, ok := s.lookup(ref); ok && rc.status == StatusAvailable {
						uf.union(eid, ref)
					}
				}
			}
		}
	}

	components := uf.components()
	sort.SliceStable(components, func(i, j int) bool { return len(components[i]) > len(components[j]) })

	scopes := make([]Scope, n)
	sizes := make([]int, n)
	for i := range scopes {
		scopes[i] = mapset.NewSet[ElementID]()
	}
	for _, comp := range components {
		smallest := 0
		for i := 1; i < n; i++ {
			if sizes[i] < sizes[smallest] {
				smallest = i
			}
		}
		scopes[smallest].Append(comp...)
		sizes[smallest] += len(comp)
	}

	out := scopes[:0]
	for _, sc := range scopes {
		if sc.Cardinality() > 0 {
			out = append(out, sc)
		}
	}
	return out
}

type unionFind struct {
	parent map[ElementID]ElementID
	order  []ElementID
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[ElementID]ElementID)}
}

func (u *unionFind) add(id ElementID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
		u.order = append(u.order, id)
	}
}

func (u *unionFind) find(id ElementID) ElementID {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

func (u *unionFind) union(a, b ElementID) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// components groups ids by root. Both the groups and their members come out
// in a deterministic order.
func (u *unionFind) components() [][]ElementID {
	sort.Slice(u.order, func(i, j int) bool {
		a, b := u.order[i], u.order[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return idLess(a.ID, b.ID)
	})
	index := map[ElementID]int{}
	var out [][]ElementID
	for _, id := range u.order {
		root := u.find(id)
		i, ok := index[root]
		if !ok {
			i = len(out)
			index[root] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], id)
	}
	return out
}
