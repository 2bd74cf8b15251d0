package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `<?xml version="1.0" encoding="UTF-8"?>
<diffResult generator="OpenStreetMap Server" version="0.6">
  <node old_id="-1" new_id="1" new_version="1"/>
  <node old_id="-2" new_id="2" new_version="1"/>
  <way old_id="7" new_id="7" new_version="4"/>
  <node old_id="12"/>
</diffResult>`

func TestParseDiffResult(t *testing.T) {
	diff, err := ParseDiffResult([]byte(sampleDiff))
	require.NoError(t, err)
	assert.Equal(t, []DiffEntry{
		{Type: Node, OldID: -1, NewID: 1, NewVersion: 1},
		{Type: Node, OldID: -2, NewID: 2, NewVersion: 1},
		{Type: Way, OldID: 7, NewID: 7, NewVersion: 4},
		{Type: Node, OldID: 12},
	}, diff.Entries)

	_, err = ParseDiffResult([]byte("<diffResult><node old_id="))
	assert.ErrorIs(t, err, ErrParse)
	_, err = ParseDiffResult([]byte("<osm/>"))
	assert.ErrorIs(t, err, ErrSchema)
	_, err = ParseDiffResult([]byte(`<diffResult><node old_id="x"/></diffResult>`))
	assert.ErrorIs(t, err, ErrSchema)
}

func TestStore_ApplyDiff(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" lat="0" lon="0"/>
  <node id="-2" lat="0" lon="0"/>
  <node id="-3" lat="0" lon="0"/>
</create>
<modify><way id="7" version="3"><nd ref="-1"/></way></modify>
<delete><node id="12" version="1"/></delete>`))

	sp := NewSplitter(s, SplitterOptions{})
	b, ok := sp.Next(10)
	require.True(t, ok)

	diff, err := ParseDiffResult([]byte(sampleDiff))
	require.NoError(t, err)
	applied, missing := s.ApplyDiff(b, diff)

	assert.ElementsMatch(t, []ElementID{NewID(Node, -1), NewID(Node, -2), NewID(Way, 7), NewID(Node, 12)}, applied)
	assert.Equal(t, []ElementID{NewID(Node, -3)}, missing)

	st, _ := s.Status(NewID(Node, -3))
	assert.Equal(t, StatusBuffering, st)
	st, _ = s.Status(NewID(Node, 12))
	assert.Equal(t, StatusFinished, st)

	m, ok := s.Remap().Get(NewID(Node, -2))
	require.True(t, ok)
	assert.Equal(t, Remap{NewID: 2, NewVersion: 1}, m)

	w, _, _ := s.Get(NewID(Way, 7))
	assert.Equal(t, int64(4), w.Version)

	// the first remap sticks
	assert.False(t, s.Remap().Set(NewID(Node, -2), Remap{NewID: 99}))
	assert.Equal(t, int64(2), s.Remap().Resolve(Node, -2))
	assert.Equal(t, int64(-3), s.Remap().Resolve(Node, -3))
	assert.Equal(t, int64(12), s.Remap().Resolve(Node, 12))
}

func TestStore_Shards(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" lat="0" lon="0"/><node id="-2" lat="0" lon="0"/><node id="-3" lat="0" lon="0"/>
  <node id="-4" lat="0" lon="0"/><node id="-5" lat="0" lon="0"/>
  <way id="-1"><nd ref="-1"/><nd ref="-2"/></way>
  <way id="-2"><nd ref="-3"/><nd ref="-4"/></way>
  <relation id="-1"><member type="way" ref="-1" role=""/><member type="way" ref="-2" role=""/></relation>
</create>
<modify>
  <node id="40" version="1" lat="0" lon="0"/>
</modify>`))

	scopes := s.Shards(3)
	require.Len(t, scopes, 3)

	total := 0
	for _, sc := range scopes {
		total += sc.Cardinality()
	}
	assert.Equal(t, s.Len(), total)

	// the relation, its ways and their nodes are one component
	assert.Equal(t, 7, scopes[0].Cardinality())
	assert.True(t, scopes[0].Contains(NewID(Relation, -1), NewID(Node, -4)))

	assert.Len(t, s.Shards(1), 1)
	assert.Len(t, s.Shards(10), 3)
}
