package changeset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadStore(t *testing.T, docs ...string) *Store {
	t.Helper()
	s := NewStore()
	for i, doc := range docs {
		require.NoError(t, s.Load(strings.NewReader(doc), fmt.Sprintf("doc%d", i)))
	}
	return s
}

func osc(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` + "\n<osmChange version=\"0.6\">" + body + "</osmChange>"
}

func TestStore_LoadActionsAndPayload(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" version="0" lat="38.8" lon="-104.7" timestamp="2020-01-01T00:00:00Z"><tag k="name" v="Ünïcode &amp; more"/></node>
  <node id="-2" version="0" lat="38.9" lon="-104.8"/>
  <way id="-1" version="0"><nd ref="-1"/><nd ref="-2"/><tag k="highway" v="road"/></way>
</create>
<modify>
  <relation id="7" version="3"><member type="way" ref="-1" role="outer"/></relation>
</modify>
<delete if-unused="true">
  <node id="12" version="2" lat="1" lon="2"/>
</delete>`))

	assert.Equal(t, 5, s.Len())
	assert.Equal(t, 2, s.Count(Node, Create))
	assert.Equal(t, 1, s.Count(Way, Create))
	assert.Equal(t, 1, s.Count(Relation, Modify))
	assert.Equal(t, 1, s.Count(Node, Delete))

	n, a, ok := s.Get(NewID(Node, -1))
	require.True(t, ok)
	assert.Equal(t, Create, a)
	assert.Equal(t, "38.8", n.Lat)
	name, ok := n.Tag("name")
	require.True(t, ok)
	assert.Equal(t, "Ünïcode & more", name)

	w, _, ok := s.Get(NewID(Way, -1))
	require.True(t, ok)
	assert.Equal(t, []int64{-1, -2}, w.Nodes)

	r, a, ok := s.Get(NewID(Relation, 7))
	require.True(t, ok)
	assert.Equal(t, Modify, a)
	assert.Equal(t, int64(3), r.Version)
	assert.Equal(t, []Member{{Type: Way, Ref: -1, Role: "outer"}}, r.Members)

	st, ok := s.Status(NewID(Node, 12))
	require.True(t, ok)
	assert.Equal(t, StatusAvailable, st)
	assert.True(t, s.deleteIfUnused)
}

func TestStore_ModifyWinsOverDelete(t *testing.T) {
	modify := osc(`<modify><node id="5" version="2" lat="1" lon="1"/></modify>`)
	del := osc(`<delete><node id="5" version="2" lat="1" lon="1"/></delete>`)

	for name, docs := range map[string][]string{
		"modify then delete": {modify, del},
		"delete then modify": {del, modify},
		"same document":      {osc(`<delete><node id="5" version="2"/></delete><modify><node id="5" version="2" lat="1" lon="1"/></modify>`)},
	} {
		t.Run(name, func(t *testing.T) {
			s := loadStore(t, docs...)
			assert.Equal(t, 1, s.Len())
			assert.Equal(t, 1, s.Count(Node, Modify))
			assert.Equal(t, 0, s.Count(Node, Delete))
		})
	}
}

func TestStore_LaterActionOverrides(t *testing.T) {
	s := loadStore(t,
		osc(`<create><node id="-1" version="0" lat="1" lon="1"/></create>`),
		osc(`<modify><node id="-1" version="0" lat="2" lon="2"/></modify>`),
		osc(`<modify><way id="4" version="1"><nd ref="1"/></way></modify>`),
		osc(`<delete><way id="4" version="1"/></delete><create><way id="9" version="0"/></create>`),
	)

	// a provisional element stays a create, with the newer payload
	n, a, ok := s.Get(NewID(Node, -1))
	require.True(t, ok)
	assert.Equal(t, Create, a)
	assert.Equal(t, "2", n.Lat)

	_, a, ok = s.Get(NewID(Way, 4))
	require.True(t, ok)
	assert.Equal(t, Modify, a)
	_, a, _ = s.Get(NewID(Way, 9))
	assert.Equal(t, Create, a)
}

func TestStore_LoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"not xml", "<osmChange><create>", ErrParse},
		{"empty", "", ErrParse},
		{"wrong root", `<osm><node id="1"/></osm>`, ErrSchema},
		{"missing id", osc(`<create><node version="1"/></create>`), ErrSchema},
		{"bad id", osc(`<create><node id="abc"/></create>`), ErrSchema},
		{"zero id", osc(`<create><node id="0"/></create>`), ErrSchema},
		{"element outside action", osc(`<node id="-1" lat="0" lon="0"/>`), ErrSchema},
		{"unknown kind", osc(`<create><area id="-1"/></create>`), ErrSchema},
		{"bad member type", osc(`<create><relation id="-1"><member type="area" ref="1"/></relation></create>`), ErrSchema},
		{"bad nd ref", osc(`<create><way id="-1"><nd ref="x"/></way></create>`), ErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := loadStore(t, osc(`<create><node id="-9" lat="0" lon="0"/></create>`))
			err := s.Load(strings.NewReader(tt.doc), "bad")
			require.ErrorIs(t, err, tt.want)
			// a failed load leaves the store untouched
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestStore_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.osc")
	require.NoError(t, os.WriteFile(path, []byte(osc(`<create><node id="-1" lat="0" lon="0"/></create>`)), 0o644))

	s := NewStore()
	require.NoError(t, s.LoadFile(path))
	assert.Equal(t, 1, s.Len())
	assert.Error(t, s.LoadFile(filepath.Join(t.TempDir(), "missing.osc")))
}

func TestStore_FailCascadesToParents(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" lat="0" lon="0"/>
  <node id="-2" lat="0" lon="1"/>
  <way id="-1"><nd ref="-1"/><nd ref="-2"/></way>
  <relation id="-1"><member type="way" ref="-1" role=""/></relation>
</create>`))

	failed := s.Fail(NewID(Node, -1), FailureRecord{Sequence: 3, Class: ClassVersionConflict, Message: "rejected"})
	assert.ElementsMatch(t, []ElementID{NewID(Node, -1), NewID(Way, -1), NewID(Relation, -1)}, failed)

	st, _ := s.Status(NewID(Node, -2))
	assert.Equal(t, StatusAvailable, st)

	recs := s.Failures()
	require.Len(t, recs, 3)
	assert.Equal(t, ClassVersionConflict, recs[0].Class)
	assert.Equal(t, ClassReferential, recs[1].Class)
	assert.Equal(t, int64(3), recs[1].Sequence)

	stats := s.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 0, stats.Processed)
}

func TestStore_Satisfy(t *testing.T) {
	s := loadStore(t, osc(`<delete><node id="4" version="2" lat="0" lon="0"/></delete>`))

	s.Satisfy(NewID(Node, 4), FailureRecord{Sequence: 2, Class: ClassElementGone, Message: "already deleted"})

	st, _ := s.Status(NewID(Node, 4))
	assert.Equal(t, StatusFinished, st)
	recs := s.Failures()
	require.Len(t, recs, 1)
	assert.Equal(t, Delete, recs[0].Action)
	assert.Equal(t, []ElementID{NewID(Node, 4)}, recs[0].IDs)
	assert.Equal(t, 1, s.Stats().Processed)
}

func TestStore_Restore(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" lat="0" lon="0"/>
  <node id="-2" lat="0" lon="1"/>
</create>`))

	n := s.Restore(
		[]ElementID{NewID(Node, -1), NewID(Way, -7)},
		map[ElementID]Remap{NewID(Node, -1): {NewID: 501, NewVersion: 1}},
	)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(501), s.Remap().Resolve(Node, -1))

	st, _ := s.Status(NewID(Node, -2))
	assert.Equal(t, StatusAvailable, st)
	st, _ = s.Status(NewID(Node, -1))
	assert.Equal(t, StatusFinished, st)
}
