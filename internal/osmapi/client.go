package osmapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/utils"
	"github.com/geopush/geopush/internal/version"
	"github.com/imroc/req/v3"
)

const (
	HeaderUserAgent = "User-Agent"
	HeaderVersion   = "X-Geopush-Version"
	HeaderDeviceId  = "X-Geopush-Device-Id"

	capabilitiesPath = "/api/capabilities.json"
	permissionsPath  = "/api/0.6/permissions.json"
	createPath       = "/api/0.6/changeset/create"
	uploadPath       = "/api/0.6/changeset/{id}/upload"
	closePath        = "/api/0.6/changeset/{id}/close"
	elementPath      = "/api/0.6/{type}/{id}"
)

var UserAgent = fmt.Sprintf("%s/%s (%s; %s; %s)", version.AppName, version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// Config is the client side configuration of the map API.
type Config struct {
	BaseURL  string
	Token    string
	Username string
	Password string
	// Timeout bounds a single request.
	Timeout time.Duration
	// Rate is a ulule/limiter formatted rate such as "10-S". Empty disables throttling.
	Rate string
	// Retries applies to idempotent reads only. Uploads are never retried here.
	Retries int
	Classes StatusClasses
	Debug   bool
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrNoBaseURL
	}
	return nil
}

// Client talks to an OSM API v0.6 compatible server.
type Client struct {
	client   *req.Client
	baseURL  string
	classes  StatusClasses
	throttle *throttle
	stats    *httpStats
}

func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	classes := cfg.Classes
	if len(classes) == 0 {
		classes = DefaultStatusClasses()
	}

	th, err := newThrottle(cfg.Rate)
	if err != nil {
		return nil, err
	}

	stats := newHTTPStats()
	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetUserAgent(UserAgent).
		SetCommonHeader(HeaderVersion, version.Version).
		SetCommonHeader(HeaderDeviceId, utils.HWID).
		SetCommonRetryCount(cfg.Retries).
		SetCommonRetryBackoffInterval(250*time.Millisecond, 2*time.Second).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		OnBeforeRequest(func(_ *req.Client, r *req.Request) error {
			return th.wait(r.Context())
		}).
		OnAfterResponse(func(_ *req.Client, resp *req.Response) error {
			stats.onResponse(resp)
			return nil
		})

	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		client.SetCommonBearerAuthToken(cfg.Token)
	} else if cfg.Username != "" {
		client.SetCommonBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.Debug {
		client.EnableDumpAllWithoutBody()
	}

	return &Client{
		client:   client,
		baseURL:  cfg.BaseURL,
		classes:  classes,
		throttle: th,
		stats:    stats,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stats returns the traffic seen so far.
func (c *Client) Stats() TrafficStats {
	return c.stats.snapshot()
}

// Capabilities fetches the server limits and status.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	var caps capabilitiesResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&caps).
		Get(capabilitiesPath)
	if err := c.handleAPIError(resp, err, "capabilities"); err != nil {
		return nil, err
	}
	return caps.toCapabilities(), nil
}

// Permissions fetches the permissions granted to the credentials in use.
func (c *Client) Permissions(ctx context.Context) (*Permissions, error) {
	var perms Permissions
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&perms).
		Get(permissionsPath)
	if err := c.handleAPIError(resp, err, "permissions"); err != nil {
		return nil, err
	}
	return &perms, nil
}

type xmlChangesetTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type xmlChangesetDoc struct {
	XMLName xml.Name          `xml:"osm"`
	Tags    []xmlChangesetTag `xml:"changeset>tag"`
}

// OpenChangeset creates a changeset carrying tags and returns its id.
func (c *Client) OpenChangeset(ctx context.Context, tags []changeset.Tag) (int64, error) {
	doc := xmlChangesetDoc{}
	for _, t := range tags {
		doc.Tags = append(doc.Tags, xmlChangesetTag{K: t.Key, V: t.Value})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode changeset: %w", err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetContentType("text/xml").
		SetBodyBytes(body).
		Put(createPath)
	if err := c.handleAPIError(resp, err, "open changeset"); err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(strings.TrimSpace(resp.String()), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: open changeset returned %q", ErrProtocol, resp.String())
	}
	slog.Debug("osmapi changeset opened", "id", id)
	return id, nil
}

// Upload posts an osmChange document to an open changeset and returns the
// raw diffResult body.
func (c *Client) Upload(ctx context.Context, changesetID int64, body []byte) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetPathParam("id", strconv.FormatInt(changesetID, 10)).
		SetContentType("text/xml").
		SetBodyBytes(body).
		Post(uploadPath)
	if err := c.handleAPIError(resp, err, "upload"); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// CloseChangeset closes an open changeset.
func (c *Client) CloseChangeset(ctx context.Context, changesetID int64) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetPathParam("id", strconv.FormatInt(changesetID, 10)).
		Put(closePath)
	return c.handleAPIError(resp, err, "close changeset")
}

// GetElement fetches the current server copy of an element.
func (c *Client) GetElement(ctx context.Context, id changeset.ElementID) (*changeset.Element, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"type": id.Type.String(),
			"id":   strconv.FormatInt(id.ID, 10),
		}).
		Get(elementPath)
	if err := c.handleAPIError(resp, err, "get "+id.String()); err != nil {
		return nil, err
	}

	elems, err := changeset.ParseElements(bytes.NewReader(resp.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrProtocol, id, err)
	}
	for _, e := range elems {
		if e.ElementID() == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: get %s: element missing from response", ErrProtocol, id)
}
