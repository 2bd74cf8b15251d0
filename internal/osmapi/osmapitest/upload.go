package osmapitest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleUpload(c *gin.Context) {
	id, ok := s.changesetParam(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, body)
	s.mu.Unlock()

	doc, err := changeset.ParseChangeDocument(bytes.NewReader(body))
	if err != nil {
		c.String(http.StatusBadRequest, "Cannot parse valid osmChange: %v", err)
		return
	}
	if s.uploadHook != nil {
		if f := s.uploadHook(id, doc); f != nil {
			writeFault(c, f)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.changesets[id]
	if !cs.open {
		c.String(http.StatusConflict, "The changeset %d was closed", id)
		return
	}
	if cs.changes+len(doc.Changes) > s.maxElements {
		c.String(http.StatusConflict, "The changeset %d was closed: too many changes", id)
		return
	}

	tx := s.begin()
	for _, ch := range doc.Changes {
		if f := tx.apply(ch, doc.IfUnused); f != nil {
			// uploads are atomic, nothing is kept
			writeFault(c, f)
			return
		}
	}
	s.commit(tx)
	cs.changes += len(doc.Changes)
	c.Data(http.StatusOK, "text/xml; charset=utf-8", tx.diffResult())
}

type diffLine struct {
	typ        changeset.ElementType
	oldID      int64
	newID      int64
	newVersion int64
	deleted    bool
}

// uploadTx stages one upload on top of the server state.
type uploadTx struct {
	s       *Server
	staged  map[changeset.ElementID]*serverElement
	placed  map[changeset.ElementID]int64
	nextID  [3]int64
	results []diffLine
}

func (s *Server) begin() *uploadTx {
	return &uploadTx{
		s:      s,
		staged: make(map[changeset.ElementID]*serverElement),
		placed: make(map[changeset.ElementID]int64),
		nextID: s.nextID,
	}
}

func (s *Server) commit(tx *uploadTx) {
	for id, se := range tx.staged {
		s.elements[id] = se
	}
	s.nextID = tx.nextID
}

func (tx *uploadTx) lookup(id changeset.ElementID) (*serverElement, bool) {
	if se, ok := tx.staged[id]; ok {
		return se, true
	}
	se, ok := tx.s.elements[id]
	return se, ok
}

// resolve maps placeholder refs created earlier in the same upload.
func (tx *uploadTx) resolve(e *changeset.Element) (missing []int64, missingType changeset.ElementType) {
	check := func(t changeset.ElementType, ref int64) (int64, bool) {
		if ref < 0 {
			id, ok := tx.placed[changeset.NewID(t, ref)]
			return id, ok
		}
		se, ok := tx.lookup(changeset.NewID(t, ref))
		return ref, ok && se.visible
	}
	for i, n := range e.Nodes {
		id, ok := check(changeset.Node, n)
		if !ok {
			missing = append(missing, n)
			missingType = changeset.Node
			continue
		}
		e.Nodes[i] = id
	}
	for i, m := range e.Members {
		id, ok := check(m.Type, m.Ref)
		if !ok {
			missing = append(missing, m.Ref)
			missingType = m.Type
			continue
		}
		e.Members[i].Ref = id
	}
	return missing, missingType
}

func (tx *uploadTx) apply(ch changeset.Change, ifUnused bool) *Fault {
	e := ch.Element.Clone()
	id := e.ElementID()
	kind := capitalize(id.Type.String())

	if ch.Action != changeset.Delete {
		if missing, mt := tx.resolve(e); len(missing) > 0 {
			return &Fault{
				Status: http.StatusPreconditionFailed,
				Body: fmt.Sprintf("Precondition failed: %s %d requires the %ss with id in (%s), which either do not exist, or are not visible.",
					kind, id.ID, mt, joinIDs(missing)),
			}
		}
	}

	switch ch.Action {
	case changeset.Create:
		tx.nextID[id.Type]++
		newID := tx.nextID[id.Type]
		e.ID = newID
		e.Version = 1
		tx.staged[changeset.NewID(id.Type, newID)] = &serverElement{elem: e, visible: true}
		tx.placed[id] = newID
		tx.results = append(tx.results, diffLine{typ: id.Type, oldID: id.ID, newID: newID, newVersion: 1})

	case changeset.Modify:
		cur, f := tx.current(id, kind, e.Version)
		if f != nil {
			return f
		}
		e.Version = cur.elem.Version + 1
		tx.staged[id] = &serverElement{elem: e, visible: true}
		tx.results = append(tx.results, diffLine{typ: id.Type, oldID: id.ID, newID: id.ID, newVersion: e.Version})

	case changeset.Delete:
		cur, f := tx.current(id, kind, e.Version)
		if f != nil {
			return f
		}
		if referrers, rt := tx.referrers(id); len(referrers) > 0 {
			if ifUnused {
				tx.results = append(tx.results, diffLine{typ: id.Type, oldID: id.ID, newID: id.ID, newVersion: cur.elem.Version})
				return nil
			}
			return &Fault{
				Status: http.StatusPreconditionFailed,
				Body:   fmt.Sprintf("Precondition failed: %s %d is still used by %ss %s.", kind, id.ID, rt, joinIDs(referrers)),
			}
		}
		gone := cur.elem.Clone()
		gone.Version++
		tx.staged[id] = &serverElement{elem: gone, visible: false}
		tx.results = append(tx.results, diffLine{typ: id.Type, oldID: id.ID, deleted: true})
	}
	return nil
}

// current checks that id exists, is visible and matches version.
func (tx *uploadTx) current(id changeset.ElementID, kind string, version int64) (*serverElement, *Fault) {
	cur, ok := tx.lookup(id)
	if !ok {
		return nil, &Fault{Status: http.StatusNotFound, Body: fmt.Sprintf("%s %d not found", kind, id.ID)}
	}
	if !cur.visible {
		return nil, &Fault{Status: http.StatusGone, Body: fmt.Sprintf("The %s with the id %d has already been deleted", id.Type, id.ID)}
	}
	if cur.elem.Version != version {
		return nil, &Fault{
			Status: http.StatusConflict,
			Body:   fmt.Sprintf("Version mismatch: Provided %d, server had: %d of %s %d", version, cur.elem.Version, kind, id.ID),
		}
	}
	return cur, nil
}

// referrers lists visible ways or relations that still use id.
func (tx *uploadTx) referrers(id changeset.ElementID) ([]int64, changeset.ElementType) {
	seen := map[changeset.ElementID]*serverElement{}
	for k, v := range tx.s.elements {
		seen[k] = v
	}
	for k, v := range tx.staged {
		seen[k] = v
	}
	for _, t := range []changeset.ElementType{changeset.Way, changeset.Relation} {
		var ids []int64
		for k, se := range seen {
			if k.Type == t && se.visible && se.elem.References(id) {
				ids = append(ids, k.ID)
			}
		}
		if len(ids) > 0 {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			return ids, t
		}
	}
	return nil, 0
}

func (tx *uploadTx) diffResult() []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<diffResult version="0.6" generator="osmapitest">` + "\n")
	for _, r := range tx.results {
		if r.deleted {
			fmt.Fprintf(&b, "  <%s old_id=\"%d\"/>\n", r.typ, r.oldID)
			continue
		}
		fmt.Fprintf(&b, "  <%s old_id=\"%d\" new_id=\"%d\" new_version=\"%d\"/>\n", r.typ, r.oldID, r.newID, r.newVersion)
	}
	b.WriteString("</diffResult>\n")
	return b.Bytes()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

type xmlTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

func parseChangesetTags(body []byte) ([]changeset.Tag, error) {
	var doc struct {
		Tags []xmlTag `xml:"changeset>tag"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	tags := make([]changeset.Tag, 0, len(doc.Tags))
	for _, t := range doc.Tags {
		tags = append(tags, changeset.Tag{Key: t.K, Value: t.V})
	}
	return tags, nil
}

type xmlNd struct {
	Ref int64 `xml:"ref,attr"`
}

type xmlMember struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

type xmlElement struct {
	XMLName xml.Name
	ID      int64       `xml:"id,attr"`
	Version int64       `xml:"version,attr"`
	Visible bool        `xml:"visible,attr"`
	Lat     string      `xml:"lat,attr,omitempty"`
	Lon     string      `xml:"lon,attr,omitempty"`
	Nds     []xmlNd     `xml:"nd"`
	Members []xmlMember `xml:"member"`
	Tags    []xmlTag    `xml:"tag"`
}

// renderOSM writes an element as an osm document, like an element GET.
func renderOSM(e *changeset.Element) []byte {
	xe := xmlElement{
		XMLName: xml.Name{Local: e.Type.String()},
		ID:      e.ID,
		Version: e.Version,
		Visible: true,
		Lat:     e.Lat,
		Lon:     e.Lon,
	}
	for _, n := range e.Nodes {
		xe.Nds = append(xe.Nds, xmlNd{Ref: n})
	}
	for _, m := range e.Members {
		xe.Members = append(xe.Members, xmlMember{Type: m.Type.String(), Ref: m.Ref, Role: m.Role})
	}
	for _, t := range e.Tags {
		xe.Tags = append(xe.Tags, xmlTag{K: t.Key, V: t.Value})
	}
	doc := struct {
		XMLName   xml.Name `xml:"osm"`
		Version   string   `xml:"version,attr"`
		Generator string   `xml:"generator,attr"`
		Elements  []xmlElement
	}{Version: "0.6", Generator: "osmapitest", Elements: []xmlElement{xe}}

	out, err := xml.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return append([]byte(xml.Header), out...)
}
