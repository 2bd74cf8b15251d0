package progress

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j := NewJournal(path)
	require.NoError(t, j.Open())
	return j
}

func TestJournal_RecordAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")

	j := openJournal(t, path)
	require.NoError(t, j.Begin("run-1", "roads.osc"))
	j.Observe(Event{
		Kind:        EventBatch,
		Sequence:    1,
		ChangesetID: 10,
		Applied:     []changeset.ElementID{changeset.NewID(changeset.Node, -1), changeset.NewID(changeset.Node, 4)},
		Remaps:      map[changeset.ElementID]changeset.Remap{changeset.NewID(changeset.Node, -1): {NewID: 900, NewVersion: 1}},
	})
	// non-batch events are ignored
	j.Observe(Event{Kind: EventRetry, Class: changeset.ClassTransport})
	require.NoError(t, j.Finish())
	require.NoError(t, j.Close())

	j = openJournal(t, path)
	defer j.Close()

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "roads.osc", runs[0].Source)
	require.NotNil(t, runs[0].FinishedAt)

	finished, err := j.Finished()
	require.NoError(t, err)
	assert.ElementsMatch(t, []changeset.ElementID{changeset.NewID(changeset.Node, -1), changeset.NewID(changeset.Node, 4)}, finished)

	store := changeset.NewStore()
	require.NoError(t, store.Load(strings.NewReader(`<osmChange version="0.6">
<create><node id="-1" lat="0" lon="0"/><node id="-2" lat="0" lon="0"/></create>
<modify><node id="4" version="2" lat="0" lon="0"/></modify>
</osmChange>`), "roads.osc"))

	n, err := j.Restore(store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(900), store.Remap().Resolve(changeset.Node, -1))
	st, _ := store.Status(changeset.NewID(changeset.Node, -2))
	assert.Equal(t, changeset.StatusAvailable, st)
}

func TestJournal_Locked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j := openJournal(t, path)
	defer j.Close()

	other := NewJournal(path)
	assert.ErrorIs(t, other.Open(), ErrJournalLocked)

	assert.Error(t, j.Open(), "opening twice")
}
