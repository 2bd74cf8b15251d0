package osmapi

import (
	"testing"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConflict(t *testing.T) {
	tests := []struct {
		name    string
		class   changeset.FailureClass
		body    string
		id      changeset.ElementID
		version int64
		related []changeset.ElementID
	}{
		{
			name:    "version mismatch",
			class:   changeset.ClassVersionConflict,
			body:    "Version mismatch: Provided 1, server had: 2 of Node 4",
			id:      changeset.NewID(changeset.Node, 4),
			version: 2,
		},
		{
			name:  "already deleted",
			class: changeset.ClassElementGone,
			body:  "The way with the id 12 has already been deleted",
			id:    changeset.NewID(changeset.Way, 12),
		},
		{
			name:  "not found",
			class: changeset.ClassElementGone,
			body:  "Relation 99 not found",
			id:    changeset.NewID(changeset.Relation, 99),
		},
		{
			name:    "still used",
			class:   changeset.ClassPrecondition,
			body:    "Precondition failed: Node 5 is still used by ways 1,2.",
			id:      changeset.NewID(changeset.Node, 5),
			related: []changeset.ElementID{changeset.NewID(changeset.Way, 1), changeset.NewID(changeset.Way, 2)},
		},
		{
			name:    "requires",
			class:   changeset.ClassPrecondition,
			body:    "Precondition failed: Way -1 requires the nodes with id in (7,-3), which either do not exist, or are not visible.",
			id:      changeset.NewID(changeset.Way, -1),
			related: []changeset.ElementID{changeset.NewID(changeset.Node, 7), changeset.NewID(changeset.Node, -3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := ParseConflict(tt.class, tt.body)
			require.True(t, ok)
			assert.Equal(t, tt.id, c.ID)
			assert.Equal(t, tt.version, c.ServerVersion)
			assert.Equal(t, tt.related, c.Related)
		})
	}
}

func TestParseConflict_Unidentified(t *testing.T) {
	for _, class := range []changeset.FailureClass{
		changeset.ClassVersionConflict,
		changeset.ClassElementGone,
		changeset.ClassPrecondition,
		changeset.ClassTransport,
	} {
		_, ok := ParseConflict(class, "something went wrong")
		assert.False(t, ok, class)
	}
}

func TestStatusClasses_Classify(t *testing.T) {
	sc := DefaultStatusClasses()
	assert.Equal(t, changeset.ClassVersionConflict, sc.Classify(409))
	assert.Equal(t, changeset.ClassElementGone, sc.Classify(410))
	assert.Equal(t, changeset.ClassElementGone, sc.Classify(404))
	assert.Equal(t, changeset.ClassPrecondition, sc.Classify(412))
	assert.Equal(t, changeset.ClassMethodRejected, sc.Classify(405))
	assert.Equal(t, changeset.ClassTransport, sc.Classify(503))
	assert.Equal(t, changeset.ClassTransport, sc.Classify(429))
	assert.Equal(t, changeset.ClassProtocol, sc.Classify(400))
	assert.Equal(t, changeset.ClassProtocol, sc.Classify(401))
}
