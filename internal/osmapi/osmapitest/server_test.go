package osmapitest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/osmapi/osmapitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...osmapitest.Option) (*osmapi.Client, *osmapitest.Server, int64) {
	t.Helper()
	fake := osmapitest.New(opts...)
	ts := httptest.NewServer(fake.Handler())
	t.Cleanup(ts.Close)

	c, err := osmapi.New(&osmapi.Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	id, err := c.OpenChangeset(context.Background(), nil)
	require.NoError(t, err)
	return c, fake, id
}

func upload(t *testing.T, c *osmapi.Client, cs int64, body string) (*changeset.DiffResult, *osmapi.APIError) {
	t.Helper()
	doc := `<osmChange version="0.6">` + body + `</osmChange>`
	out, err := c.Upload(context.Background(), cs, []byte(doc))
	if err != nil {
		var apiErr *osmapi.APIError
		require.ErrorAs(t, err, &apiErr)
		return nil, apiErr
	}
	diff, err := changeset.ParseDiffResult(out)
	require.NoError(t, err)
	return diff, nil
}

func node(id, version int64) *changeset.Element {
	return &changeset.Element{Type: changeset.Node, ID: id, Version: version, Lat: "1", Lon: "2"}
}

func TestServer_CreateResolvesPlaceholders(t *testing.T) {
	c, fake, cs := setup(t)

	diff, apiErr := upload(t, c, cs, `<create>
<node id="-1" version="0" lat="1" lon="1"/>
<node id="-2" version="0" lat="1" lon="2"/>
<way id="-1" version="0"><nd ref="-1"/><nd ref="-2"/></way>
</create>`)
	require.Nil(t, apiErr)
	require.Len(t, diff.Entries, 3)
	assert.Equal(t, int64(1001), diff.Entries[0].NewID)
	assert.Equal(t, int64(1002), diff.Entries[1].NewID)

	way, visible := fake.Element(changeset.NewID(changeset.Way, diff.Entries[2].NewID))
	require.True(t, visible)
	assert.Equal(t, []int64{1001, 1002}, way.Nodes)
	assert.Equal(t, 2, fake.Visible(changeset.Node))
}

func TestServer_UploadFaults(t *testing.T) {
	tests := []struct {
		name   string
		seed   []*changeset.Element
		remove []changeset.ElementID
		body   string
		status int
		class  changeset.FailureClass
		id     changeset.ElementID
	}{
		{
			name:   "version mismatch",
			seed:   []*changeset.Element{node(4, 3)},
			body:   `<modify><node id="4" version="2" lat="0" lon="0"/></modify>`,
			status: http.StatusConflict,
			class:  changeset.ClassVersionConflict,
			id:     changeset.NewID(changeset.Node, 4),
		},
		{
			name:   "already deleted",
			seed:   []*changeset.Element{node(4, 1)},
			remove: []changeset.ElementID{changeset.NewID(changeset.Node, 4)},
			body:   `<delete><node id="4" version="2"/></delete>`,
			status: http.StatusGone,
			class:  changeset.ClassElementGone,
			id:     changeset.NewID(changeset.Node, 4),
		},
		{
			name:   "not found",
			body:   `<modify><way id="8" version="1"/></modify>`,
			status: http.StatusNotFound,
			class:  changeset.ClassElementGone,
			id:     changeset.NewID(changeset.Way, 8),
		},
		{
			name: "still used",
			seed: []*changeset.Element{
				node(5, 1),
				{Type: changeset.Way, ID: 9, Nodes: []int64{5}},
			},
			body:   `<delete><node id="5" version="1"/></delete>`,
			status: http.StatusPreconditionFailed,
			class:  changeset.ClassPrecondition,
			id:     changeset.NewID(changeset.Node, 5),
		},
		{
			name:   "missing reference",
			body:   `<create><way id="-1" version="0"><nd ref="-7"/></way></create>`,
			status: http.StatusPreconditionFailed,
			class:  changeset.ClassPrecondition,
			id:     changeset.NewID(changeset.Way, -1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake, cs := setup(t)
			fake.Seed(tt.seed...)
			for _, id := range tt.remove {
				fake.Remove(id)
			}

			_, apiErr := upload(t, c, cs, tt.body)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.class, apiErr.Class)

			conflict, ok := osmapi.ParseConflict(apiErr.Class, apiErr.Body)
			require.True(t, ok, apiErr.Body)
			assert.Equal(t, tt.id, conflict.ID)
		})
	}
}

func TestServer_IfUnusedSkipsReferencedDeletes(t *testing.T) {
	c, fake, cs := setup(t)
	fake.Seed(node(5, 1), &changeset.Element{Type: changeset.Way, ID: 9, Nodes: []int64{5}})

	diff, apiErr := upload(t, c, cs, `<delete if-unused="true"><node id="5" version="1"/></delete>`)
	require.Nil(t, apiErr)
	require.Len(t, diff.Entries, 1)
	_, visible := fake.Element(changeset.NewID(changeset.Node, 5))
	assert.True(t, visible)
}

func TestServer_UploadIsAtomic(t *testing.T) {
	c, fake, cs := setup(t)
	fake.Seed(node(1, 1))

	_, apiErr := upload(t, c, cs, `<create><node id="-1" version="0" lat="0" lon="0"/></create>
<modify><node id="1" version="5" lat="0" lon="0"/></modify>`)
	require.NotNil(t, apiErr)

	assert.Equal(t, 1, fake.Visible(changeset.Node))
	n, _ := fake.Element(changeset.NewID(changeset.Node, 1))
	assert.Equal(t, int64(1), n.Version)

	// ids are not burnt by a rejected upload
	diff, apiErr := upload(t, c, cs, `<create><node id="-1" version="0" lat="0" lon="0"/></create>`)
	require.Nil(t, apiErr)
	assert.Equal(t, int64(1001), diff.Entries[0].NewID)
}

func TestServer_DeleteThenGet(t *testing.T) {
	c, fake, cs := setup(t)
	fake.Seed(node(3, 1))

	diff, apiErr := upload(t, c, cs, `<delete><node id="3" version="1"/></delete>`)
	require.Nil(t, apiErr)
	assert.Equal(t, int64(0), diff.Entries[0].NewID)

	_, err := c.GetElement(context.Background(), changeset.NewID(changeset.Node, 3))
	assert.Equal(t, changeset.ClassElementGone, osmapi.ClassOf(err))
	_, err = c.GetElement(context.Background(), changeset.NewID(changeset.Node, 77))
	assert.Equal(t, changeset.ClassElementGone, osmapi.ClassOf(err))
}

func TestServer_InjectAndHook(t *testing.T) {
	var hooked []int64
	c, fake, cs := setup(t, osmapitest.WithUploadHook(func(id int64, doc *changeset.ChangeDocument) *osmapitest.Fault {
		hooked = append(hooked, id)
		for _, ch := range doc.Changes {
			if ch.Element.ElementID() == changeset.NewID(changeset.Node, -13) {
				return &osmapitest.Fault{Status: http.StatusMethodNotAllowed, Body: "not today"}
			}
		}
		return nil
	}))
	fake.Inject(osmapitest.RouteUpload, osmapitest.Fault{Status: http.StatusBadGateway, Body: "proxy"})

	_, apiErr := upload(t, c, cs, `<create><node id="-1" version="0" lat="0" lon="0"/></create>`)
	require.NotNil(t, apiErr)
	assert.Equal(t, changeset.ClassTransport, apiErr.Class)
	assert.Empty(t, hooked, "an injected fault answers before the handler")

	_, apiErr = upload(t, c, cs, `<create><node id="-13" version="0" lat="0" lon="0"/></create>`)
	require.NotNil(t, apiErr)
	assert.Equal(t, changeset.ClassMethodRejected, apiErr.Class)
	assert.Equal(t, "not today", apiErr.Body)

	_, apiErr = upload(t, c, cs, `<create><node id="-1" version="0" lat="0" lon="0"/></create>`)
	require.Nil(t, apiErr)
	assert.Equal(t, []int64{cs, cs}, hooked)
	assert.Len(t, fake.Uploads(), 2)
	assert.Equal(t, 3, fake.Calls(osmapitest.RouteUpload))
}

func TestServer_ChangesetLimit(t *testing.T) {
	c, _, cs := setup(t, osmapitest.WithLimits(2, 2000))

	_, apiErr := upload(t, c, cs, `<create>
<node id="-1" version="0" lat="0" lon="0"/>
<node id="-2" version="0" lat="0" lon="0"/>
<node id="-3" version="0" lat="0" lon="0"/>
</create>`)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}
