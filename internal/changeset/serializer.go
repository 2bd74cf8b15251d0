package changeset

import (
	"bytes"
	"encoding/xml"
	"slices"
	"sort"
	"strconv"
)

// Generator is written into every rendered document.
var Generator = "geopush"

// Serializer renders batches as osmChange documents.
type Serializer struct {
	store *Store
}

func NewSerializer(store *Store) *Serializer {
	return &Serializer{store: store}
}

// Render writes the batch as osmChange XML. Output only depends on the batch
// content and the remap table, so equal batches render to equal bytes.
func (z *Serializer) Render(b *Batch, sequence int64) ([]byte, error) {
	s := z.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := b.Entries()
	deleteRank := map[int64]int{}
	for i, id := range s.relationDeleteOrder() {
		deleteRank[id] = i
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return renderLess(entries[i], entries[j], deleteRank)
	})

	w := newDocWriter()
	w.open(sequence)
	var block Action = -1
	for _, e := range entries {
		c, ok := s.lookup(e.ID)
		if !ok {
			continue
		}
		if e.Action != block {
			if block >= 0 {
				w.closeBlock(block)
			}
			block = e.Action
			w.openBlock(block, block == Delete && s.deleteIfUnused)
		}
		w.element(c.elem, s.remap, b.ChangesetID, nil)
	}
	if block >= 0 {
		w.closeBlock(block)
	}
	w.close()
	return w.buf.Bytes(), nil
}

// renderLess orders entries into action blocks. Creates keep the batch order,
// which already puts members first. Modifies go node, way, relation and
// deletes go relation, way, node, each kind by id, except that relation
// deletes follow deleteRank so containers precede their member relations.
func renderLess(a, b Entry, deleteRank map[int64]int) bool {
	if a.Action != b.Action {
		return a.Action < b.Action
	}
	if a.Action == Create {
		return false
	}
	ka, kb := kindRank(a), kindRank(b)
	if ka != kb {
		return ka < kb
	}
	if a.Action == Delete && a.ID.Type == Relation {
		return deleteRank[a.ID.ID] < deleteRank[b.ID.ID]
	}
	return idLess(a.ID.ID, b.ID.ID)
}

func kindRank(e Entry) int {
	if e.Action == Delete {
		return len(elementTypes) - 1 - slices.Index(elementTypes, e.ID.Type)
	}
	return slices.Index(elementTypes, e.ID.Type)
}

// RenderAll writes every available change in send order as one document.
func (z *Serializer) RenderAll() ([]byte, error) {
	s := z.store
	s.mu.RLock()
	b := NewBatch(0)
	for _, g := range NewSplitter(s, SplitterOptions{}).groups() {
		for _, e := range g {
			b.Add(e.ID, e.Action)
		}
	}
	s.mu.RUnlock()
	return z.Render(b, 0)
}

// RenderFailures writes failure records in osmChange shape, each element
// annotated with the failure class, the message and the batch sequence.
func (z *Serializer) RenderFailures(records []FailureRecord) ([]byte, error) {
	recs := append([]FailureRecord(nil), records...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Action < recs[j].Action })

	w := newDocWriter()
	w.open(0)
	var block Action = -1
	for _, r := range recs {
		elem := r.Element
		if elem == nil {
			if len(r.IDs) == 0 {
				continue
			}
			elem = &Element{Type: r.IDs[0].Type, ID: r.IDs[0].ID}
		}
		if r.Action != block {
			if block >= 0 {
				w.closeBlock(block)
			}
			block = r.Action
			w.openBlock(block, false)
		}
		w.element(elem, nil, 0, [][2]string{
			{"error", string(r.Class)},
			{"message", r.Message},
			{"batch", strconv.FormatInt(r.Sequence, 10)},
		})
	}
	if block >= 0 {
		w.closeBlock(block)
	}
	w.close()
	return w.buf.Bytes(), nil
}

type docWriter struct {
	buf bytes.Buffer
}

func newDocWriter() *docWriter {
	return &docWriter{}
}

func (w *docWriter) open(sequence int64) {
	w.buf.WriteString(xml.Header)
	w.buf.WriteString(`<osmChange version="0.6" generator="`)
	w.escape(Generator)
	w.buf.WriteString(`"`)
	if sequence > 0 {
		w.attr("sequence", strconv.FormatInt(sequence, 10))
	}
	w.buf.WriteString(">\n")
}

func (w *docWriter) close() {
	w.buf.WriteString("</osmChange>\n")
}

func (w *docWriter) openBlock(a Action, ifUnused bool) {
	w.buf.WriteString("\t<" + a.String())
	if ifUnused {
		w.attr("if-unused", "true")
	}
	w.buf.WriteString(">\n")
}

func (w *docWriter) closeBlock(a Action) {
	w.buf.WriteString("\t</" + a.String() + ">\n")
}

func (w *docWriter) element(e *Element, remap *RemapTable, changesetID int64, extra [][2]string) {
	resolve := func(t ElementType, id int64) int64 {
		if remap == nil {
			return id
		}
		return remap.Resolve(t, id)
	}

	w.buf.WriteString("\t\t<" + e.Type.String())
	w.attr("id", strconv.FormatInt(resolve(e.Type, e.ID), 10))
	w.attr("version", strconv.FormatInt(e.Version, 10))
	if changesetID != 0 {
		w.attr("changeset", strconv.FormatInt(changesetID, 10))
	}
	if e.Type == Node {
		if e.Lat != "" {
			w.attr("lat", e.Lat)
		}
		if e.Lon != "" {
			w.attr("lon", e.Lon)
		}
	}
	for _, kv := range extra {
		w.attr(kv[0], kv[1])
	}

	if len(e.Tags) == 0 && len(e.Nodes) == 0 && len(e.Members) == 0 {
		w.buf.WriteString("/>\n")
		return
	}
	w.buf.WriteString(">\n")
	for _, n := range e.Nodes {
		w.buf.WriteString("\t\t\t<nd")
		w.attr("ref", strconv.FormatInt(resolve(Node, n), 10))
		w.buf.WriteString("/>\n")
	}
	for _, m := range e.Members {
		w.buf.WriteString("\t\t\t<member")
		w.attr("type", m.Type.String())
		w.attr("ref", strconv.FormatInt(resolve(m.Type, m.Ref), 10))
		w.attr("role", m.Role)
		w.buf.WriteString("/>\n")
	}
	for _, t := range e.Tags {
		w.buf.WriteString("\t\t\t<tag")
		w.attr("k", t.Key)
		w.attr("v", t.Value)
		w.buf.WriteString("/>\n")
	}
	w.buf.WriteString("\t\t</" + e.Type.String() + ">\n")
}

func (w *docWriter) attr(name, value string) {
	w.buf.WriteString(" " + name + `="`)
	w.escape(value)
	w.buf.WriteString(`"`)
}

func (w *docWriter) escape(s string) {
	// bytes.Buffer writes never fail
	_ = xml.EscapeText(&w.buf, []byte(s))
}
