package changeset

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_Render(t *testing.T) {
	s := loadStore(t, osc(`
<create>
  <node id="-1" version="0" lat="38.85" lon="-104.89"><tag k="name" v="Café &lt;Ünïcode&gt; &quot;q&quot;"/></node>
  <way id="-1" version="0"><nd ref="-1"/><nd ref="5"/><tag k="highway" v="road"/></way>
</create>
<modify>
  <relation id="9" version="2"><member type="way" ref="-1" role="outer"/><tag k="type" v="multipolygon"/></relation>
</modify>
<delete if-unused="true">
  <node id="6" version="3" lat="1" lon="2"/>
</delete>`))

	sp := NewSplitter(s, SplitterOptions{})
	b, ok := sp.Next(10)
	require.True(t, ok)
	b.ChangesetID = 77

	out, err := NewSerializer(s).Render(b, b.Sequence)
	require.NoError(t, err)

	expected := `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="geopush" sequence="1">
	<create>
		<node id="-1" version="0" changeset="77" lat="38.85" lon="-104.89">
			<tag k="name" v="Café &lt;Ünïcode&gt; &#34;q&#34;"/>
		</node>
		<way id="-1" version="0" changeset="77">
			<nd ref="-1"/>
			<nd ref="5"/>
			<tag k="highway" v="road"/>
		</way>
	</create>
	<modify>
		<relation id="9" version="2" changeset="77">
			<member type="way" ref="-1" role="outer"/>
			<tag k="type" v="multipolygon"/>
		</relation>
	</modify>
	<delete if-unused="true">
		<node id="6" version="3" changeset="77" lat="1" lon="2"/>
	</delete>
</osmChange>
`
	assert.Equal(t, expected, string(out))

	again, err := NewSerializer(s).Render(b, b.Sequence)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(out, again))

	// the output parses back to the same changes
	parsed := NewStore()
	require.NoError(t, parsed.Load(bytes.NewReader(out), "rendered"))
	n, _, _ := parsed.Get(NewID(Node, -1))
	name, _ := n.Tag("name")
	assert.Equal(t, `Café <Ünïcode> "q"`, name)
}

func TestSerializer_RenderSortsKindsThenIDs(t *testing.T) {
	s := loadStore(t, osc(`
<modify>
  <relation id="30" version="1"><member type="node" ref="3" role=""/></relation>
  <node id="3" version="1" lat="0" lon="0"/>
  <way id="20" version="1"><nd ref="3"/><nd ref="4"/></way>
  <node id="2" version="1" lat="0" lon="0"/>
</modify>
<delete>
  <way id="9" version="1"><nd ref="91"/></way>
  <node id="91" version="1"/>
  <way id="8" version="1"><nd ref="81"/></way>
  <node id="81" version="1"/>
  <relation id="7" version="1"><member type="way" ref="99" role=""/></relation>
</delete>`))

	sp := NewSplitter(s, SplitterOptions{})
	b, ok := sp.Next(20)
	require.True(t, ok)
	out, err := NewSerializer(s).Render(b, b.Sequence)
	require.NoError(t, err)
	doc := string(out)

	order := []string{
		`<node id="2"`, `<node id="3"`, `<way id="20"`, `<relation id="30"`,
		`<relation id="7"`, `<way id="8"`, `<way id="9"`, `<node id="81"`, `<node id="91"`,
	}
	last := -1
	for _, marker := range order {
		i := strings.Index(doc, marker)
		require.NotEqual(t, -1, i, marker)
		assert.Greater(t, i, last, marker)
		last = i
	}
}

func TestSerializer_RenderResolvesRemaps(t *testing.T) {
	s := loadStore(t, nodesAndWays(2, 2))
	sp := NewSplitter(s, SplitterOptions{})

	nodes, ok := sp.Next(2)
	require.True(t, ok)
	var next int64 = 500
	s.ApplyDiff(nodes, acceptAll(s, nodes, &next))

	way, ok := sp.Next(2)
	require.True(t, ok)
	out, err := NewSerializer(s).Render(way, way.Sequence)
	require.NoError(t, err)
	assert.Contains(t, string(out), `<nd ref="501"/>`)
	assert.Contains(t, string(out), `<nd ref="502"/>`)
	assert.Contains(t, string(out), `<way id="-1" version="0">`)
	assert.NotContains(t, string(out), "changeset=")
}

func TestSerializer_RenderFailures(t *testing.T) {
	recs := []FailureRecord{
		{
			Sequence: 4,
			IDs:      []ElementID{NewID(Node, 6)},
			Action:   Delete,
			Class:    ClassElementGone,
			Message:  "The node with the id 6 has already been deleted",
			Element:  &Element{Type: Node, ID: 6, Version: 2, Lat: "1", Lon: "2"},
		},
		{
			Sequence: 2,
			IDs:      []ElementID{NewID(Way, 3)},
			Action:   Modify,
			Class:    ClassVersionConflict,
			Message:  "Version mismatch",
		},
	}

	out, err := NewSerializer(NewStore()).RenderFailures(recs)
	require.NoError(t, err)
	doc := string(out)

	assert.True(t, strings.Index(doc, "<modify>") < strings.Index(doc, "<delete>"))
	assert.Contains(t, doc, `<way id="3" version="0" error="version-conflict" message="Version mismatch" batch="2"/>`)
	assert.Contains(t, doc, `<node id="6" version="2" lat="1" lon="2" error="element-gone" message="The node with the id 6 has already been deleted" batch="4"/>`)
	assert.NotContains(t, doc, "sequence=")
}

func TestSerializer_RenderAll(t *testing.T) {
	s := loadStore(t, osc(`
<delete><node id="4" version="1"/></delete>
<create><node id="-1" lat="0" lon="0"/></create>`))

	out, err := NewSerializer(s).RenderAll()
	require.NoError(t, err)
	doc := string(out)
	assert.True(t, strings.Index(doc, "<create>") < strings.Index(doc, "<delete>"))

	// rendering does not take changes out of the pool
	st, _ := s.Status(NewID(Node, -1))
	assert.Equal(t, StatusAvailable, st)
}
