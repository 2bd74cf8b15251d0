package osmapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi/osmapitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, opts ...osmapitest.Option) (*Client, *osmapitest.Server) {
	t.Helper()
	fake := osmapitest.New(opts...)
	ts := httptest.NewServer(fake.Handler())
	t.Cleanup(ts.Close)

	c, err := New(&Config{BaseURL: ts.URL, Token: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c, fake
}

func TestClient_CapabilitiesAndPermissions(t *testing.T) {
	c, _ := newTestClient(t, osmapitest.WithLimits(500, 250))
	ctx := context.Background()

	caps, err := c.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, caps.MaxChangesetSize)
	assert.Equal(t, 250, caps.MaxWayNodes)
	assert.True(t, caps.Online())

	perms, err := c.Permissions(ctx)
	require.NoError(t, err)
	assert.True(t, perms.CanWrite())
}

func TestClient_ReadonlyAndNoWrite(t *testing.T) {
	c, _ := newTestClient(t, osmapitest.WithStatus(StatusReadonly), osmapitest.WithPermissions("allow_read_prefs"))
	ctx := context.Background()

	caps, err := c.Capabilities(ctx)
	require.NoError(t, err)
	assert.False(t, caps.Online())

	perms, err := c.Permissions(ctx)
	require.NoError(t, err)
	assert.False(t, perms.CanWrite())
}

func TestClient_ChangesetLifecycle(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	id, err := c.OpenChangeset(ctx, []changeset.Tag{{Key: "comment", Value: "import <roads>"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	body := []byte(`<osmChange version="0.6"><create><node id="-1" version="0" lat="1" lon="2"/></create></osmChange>`)
	diffBody, err := c.Upload(ctx, id, body)
	require.NoError(t, err)
	diff, err := changeset.ParseDiffResult(diffBody)
	require.NoError(t, err)
	require.Len(t, diff.Entries, 1)
	assert.Equal(t, int64(-1), diff.Entries[0].OldID)
	newID := diff.Entries[0].NewID

	elem, err := c.GetElement(ctx, changeset.NewID(changeset.Node, newID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), elem.Version)
	assert.Equal(t, "1", elem.Lat)

	require.NoError(t, c.CloseChangeset(ctx, id))

	cs := fake.Changesets()
	require.Len(t, cs, 1)
	assert.False(t, cs[0].Open)
	assert.Equal(t, []changeset.Tag{{Key: "comment", Value: "import <roads>"}}, cs[0].Tags)

	// closing twice is a conflict
	err = c.CloseChangeset(ctx, id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	st := c.Stats()
	assert.Greater(t, st.Requests, int64(3))
}

func TestClient_ErrorClasses(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()
	id, err := c.OpenChangeset(ctx, nil)
	require.NoError(t, err)

	fake.Inject(osmapitest.RouteUpload,
		osmapitest.Fault{Status: http.StatusServiceUnavailable, Body: "down"},
		osmapitest.Fault{Status: http.StatusBadRequest, Body: "bad"},
		osmapitest.Fault{Status: http.StatusUnauthorized, Body: "who"},
		osmapitest.Fault{Status: http.StatusConflict, Body: "Version mismatch: Provided 1, server had: 2 of Way 3"},
	)

	_, err = c.Upload(ctx, id, []byte("<osmChange/>"))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, changeset.ClassTransport, ClassOf(err))

	_, err = c.Upload(ctx, id, []byte("<osmChange/>"))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = c.Upload(ctx, id, []byte("<osmChange/>"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Upload(ctx, id, []byte("<osmChange/>"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, changeset.ClassVersionConflict, apiErr.Class)
	assert.False(t, errors.Is(err, ErrTransport))
	conflict, ok := ParseConflict(apiErr.Class, apiErr.Body)
	require.True(t, ok)
	assert.Equal(t, changeset.NewID(changeset.Way, 3), conflict.ID)

	assert.Equal(t, 4, fake.Calls(osmapitest.RouteUpload))
}

func TestClient_CustomStatusClasses(t *testing.T) {
	fake := osmapitest.New()
	ts := httptest.NewServer(fake.Handler())
	defer ts.Close()

	classes := DefaultStatusClasses()
	classes[http.StatusBadRequest] = changeset.ClassTransport
	c, err := New(&Config{BaseURL: ts.URL, Classes: classes})
	require.NoError(t, err)

	fake.Inject(osmapitest.RouteCapabilities, osmapitest.Fault{Status: http.StatusBadRequest, Body: "flaky"})
	_, err = c.Capabilities(context.Background())
	assert.Equal(t, changeset.ClassTransport, ClassOf(err))
}

func TestClient_TransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(&Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Capabilities(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, changeset.ClassTransport, ClassOf(err))
}

func TestClient_Throttle(t *testing.T) {
	fake := osmapitest.New()
	ts := httptest.NewServer(fake.Handler())
	defer ts.Close()

	c, err := New(&Config{BaseURL: ts.URL, Rate: "1000-S"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Capabilities(context.Background())
		require.NoError(t, err)
	}

	_, err = New(&Config{BaseURL: ts.URL, Rate: "fast"})
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
}
