package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepair_DropsDeleteOfReferencedElement(t *testing.T) {
	s := loadStore(t, osc(`
<modify>
  <way id="10" version="2"><nd ref="1"/><nd ref="2"/></way>
</modify>
<delete>
  <node id="2" version="1" lat="0" lon="0"/>
  <node id="3" version="1" lat="0" lon="0"/>
</delete>`))

	recs := s.Repair()
	require.Len(t, recs, 1)
	assert.Equal(t, ClassReferential, recs[0].Class)
	assert.Equal(t, []ElementID{NewID(Node, 2)}, recs[0].IDs)
	assert.Equal(t, Delete, recs[0].Action)

	_, _, ok := s.Get(NewID(Node, 2))
	assert.False(t, ok)
	_, a, ok := s.Get(NewID(Node, 3))
	require.True(t, ok)
	assert.Equal(t, Delete, a)
}

func TestRepair_ReferencedDeleteChain(t *testing.T) {
	// the relation keeps way 5 alive, which keeps node 1 alive
	s := loadStore(t, osc(`
<modify>
  <relation id="100" version="1"><member type="way" ref="5" role=""/></relation>
</modify>
<delete>
  <way id="5" version="1"><nd ref="1"/></way>
  <node id="1" version="1" lat="0" lon="0"/>
</delete>`))

	recs := s.Repair()
	assert.Len(t, recs, 2)
	assert.Equal(t, 0, s.Count(Way, Delete))
	assert.Equal(t, 0, s.Count(Node, Delete))
}

func TestRepair_DanglingProvisionalReference(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" lat="0" lon="0"/>
  <way id="-1"><nd ref="-1"/><nd ref="-99"/><nd ref="42"/></way>
</create>`))

	recs := s.Repair()
	require.Len(t, recs, 1)
	assert.Equal(t, []ElementID{NewID(Way, -1), NewID(Node, -99)}, recs[0].IDs)
	// the snapshot shows the way as it was before the fix
	assert.Equal(t, []int64{-1, -99, 42}, recs[0].Element.Nodes)

	w, _, ok := s.Get(NewID(Way, -1))
	require.True(t, ok)
	assert.Equal(t, []int64{-1, 42}, w.Nodes)
}

func TestRepair_BreaksRelationCycle(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <relation id="-1"><member type="relation" ref="-2" role="a"/></relation>
  <relation id="-2"><member type="relation" ref="-3" role="b"/></relation>
  <relation id="-3"><member type="relation" ref="-1" role="c"/><member type="node" ref="7" role=""/></relation>
</create>`))

	recs := s.Repair()
	require.Len(t, recs, 1)
	assert.Equal(t, []ElementID{NewID(Relation, -3), NewID(Relation, -1)}, recs[0].IDs)

	r, _, _ := s.Get(NewID(Relation, -3))
	assert.Equal(t, []Member{{Type: Node, Ref: 7}}, r.Members)

	// creation order is now well defined
	sp := NewSplitter(s, SplitterOptions{})
	b, ok := sp.Next(10)
	require.True(t, ok)
	assert.Equal(t, []ElementID{NewID(Relation, -3), NewID(Relation, -2), NewID(Relation, -1)}, b.IDs())
}

func TestRepair_DropsUpdatesOfProvisionalIDs(t *testing.T) {
	s := loadStore(t, osc(`
<modify><node id="-4" lat="0" lon="0"/></modify>
<delete><way id="-8"/></delete>`))

	recs := s.Repair()
	assert.Len(t, recs, 2)
	assert.Equal(t, 0, s.Len())
}

func TestRepair_Idempotent(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <way id="-1"><nd ref="-5"/><nd ref="3"/></way>
  <relation id="-1"><member type="relation" ref="-1" role=""/></relation>
</create>
<modify>
  <way id="10" version="2"><nd ref="3"/></way>
  <node id="-6" lat="0" lon="0"/>
</modify>
<delete>
  <node id="3" version="1" lat="0" lon="0"/>
</delete>`))

	first := s.Repair()
	assert.NotEmpty(t, first)
	before := s.Len()
	failures := len(s.Failures())

	assert.Empty(t, s.Repair())
	assert.Equal(t, before, s.Len())
	assert.Len(t, s.Failures(), failures)
}

func TestRepair_NoDeleteReferencedBySurvivor(t *testing.T) {
	s := loadStore(t,
		osc(`<create><way id="-1"><nd ref="1"/><nd ref="2"/></way></create>`),
		osc(`<modify><relation id="9" version="1"><member type="node" ref="3" role=""/></relation></modify>`),
		osc(`<delete><node id="1" version="1"/><node id="2" version="1"/><node id="3" version="1"/><node id="4" version="1"/></delete>`),
	)
	s.Repair()

	for _, t2 := range []ElementType{Way, Relation} {
		for _, a := range []Action{Create, Modify} {
			for _, pid := range s.IDs(t2, a) {
				p, _, _ := s.Get(pid)
				for _, ref := range p.Refs() {
					_, act, ok := s.Get(ref)
					if ok {
						assert.NotEqual(t, Delete, act, "%s still deleted while referenced by %s", ref, pid)
					}
				}
			}
		}
	}
	assert.Equal(t, []ElementID{NewID(Node, 4)}, s.IDs(Node, Delete))
}
