package changeset

// Entry is one change scheduled in a batch.
type Entry struct {
	ID     ElementID
	Action Action
}

// Batch is an ordered slice of pending changes sent in one upload. Element
// payloads stay in the store and are resolved when the batch is rendered.
type Batch struct {
	Sequence    int64
	ChangesetID int64
	entries     []Entry
	members     map[ElementID]struct{}
}

func NewBatch(sequence int64) *Batch {
	return &Batch{
		Sequence: sequence,
		members:  make(map[ElementID]struct{}),
	}
}

// Add appends a change. Adding an id twice is a no-op.
func (b *Batch) Add(id ElementID, action Action) {
	if _, ok := b.members[id]; ok {
		return
	}
	b.members[id] = struct{}{}
	b.entries = append(b.entries, Entry{ID: id, Action: action})
}

func (b *Batch) Contains(id ElementID) bool {
	_, ok := b.members[id]
	return ok
}

func (b *Batch) Size() int {
	return len(b.entries)
}

func (b *Batch) Empty() bool {
	return len(b.entries) == 0
}

// Entries returns the changes in send order.
func (b *Batch) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// IDs returns the ids in send order.
func (b *Batch) IDs() []ElementID {
	ids := make([]ElementID, len(b.entries))
	for i, e := range b.entries {
		ids[i] = e.ID
	}
	return ids
}

// Action returns the action scheduled for id.
func (b *Batch) Action(id ElementID) (Action, bool) {
	if !b.Contains(id) {
		return 0, false
	}
	for _, e := range b.entries {
		if e.ID == id {
			return e.Action, true
		}
	}
	return 0, false
}

// Without returns a copy minus ids. The copy keeps the sequence number, as
// it is a retry of the same batch.
func (b *Batch) Without(ids ...ElementID) *Batch {
	drop := make(map[ElementID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := NewBatch(b.Sequence)
	out.ChangesetID = b.ChangesetID
	for _, e := range b.entries {
		if _, ok := drop[e.ID]; !ok {
			out.Add(e.ID, e.Action)
		}
	}
	return out
}

// Only returns a copy holding just ids, in the original order.
func (b *Batch) Only(ids ...ElementID) *Batch {
	keep := make(map[ElementID]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	out := NewBatch(b.Sequence)
	out.ChangesetID = b.ChangesetID
	for _, e := range b.entries {
		if _, ok := keep[e.ID]; ok {
			out.Add(e.ID, e.Action)
		}
	}
	return out
}

// Halves splits the batch in two, preserving order. Both halves keep the
// sequence number.
func (b *Batch) Halves() (*Batch, *Batch) {
	mid := len(b.entries) / 2
	first, second := NewBatch(b.Sequence), NewBatch(b.Sequence)
	first.ChangesetID, second.ChangesetID = b.ChangesetID, b.ChangesetID
	for i, e := range b.entries {
		if i < mid {
			first.Add(e.ID, e.Action)
		} else {
			second.Add(e.ID, e.Action)
		}
	}
	return first, second
}

// Singles returns one batch per entry.
func (b *Batch) Singles() []*Batch {
	out := make([]*Batch, 0, len(b.entries))
	for _, e := range b.entries {
		s := NewBatch(b.Sequence)
		s.ChangesetID = b.ChangesetID
		s.Add(e.ID, e.Action)
		out = append(out, s)
	}
	return out
}

// LastElement reports the element used to describe how far an upload got.
// Deletes take precedence over modifies over creates. Creates and modifies
// prefer relation over way over node; deletes prefer way over node and never
// report a relation.
func (b *Batch) LastElement() (Entry, bool) {
	prefs := map[Action][]ElementType{
		Delete: {Way, Node},
		Modify: {Relation, Way, Node},
		Create: {Relation, Way, Node},
	}
	for _, a := range []Action{Delete, Modify, Create} {
		for _, t := range prefs[a] {
			for i := len(b.entries) - 1; i >= 0; i-- {
				e := b.entries[i]
				if e.Action == a && e.ID.Type == t {
					return e, true
				}
			}
		}
	}
	return Entry{}, false
}
