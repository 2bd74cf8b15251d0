// Package osmapitest provides an in-memory map API for tests and local runs.
// It implements the upload protocol with real version and reference checks and
// can be scripted to fail specific requests.
package osmapitest

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Routes that faults can be injected into.
const (
	RouteCapabilities = "capabilities"
	RoutePermissions  = "permissions"
	RouteCreate       = "create"
	RouteUpload       = "upload"
	RouteClose        = "close"
	RouteGet          = "get"
)

// Fault is a scripted answer returned instead of the normal response.
type Fault struct {
	Status int
	Body   string
}

// UploadHook inspects an upload before it is applied. Returning a fault
// rejects the upload.
type UploadHook func(changesetID int64, doc *changeset.ChangeDocument) *Fault

type Option func(*Server)

// WithLimits sets the advertised changeset and way node limits.
func WithLimits(maxElements, maxWayNodes int) Option {
	return func(s *Server) {
		s.maxElements = maxElements
		s.maxWayNodes = maxWayNodes
	}
}

// WithStatus sets the advertised api status.
func WithStatus(status string) Option {
	return func(s *Server) { s.apiStatus = status }
}

func WithPermissions(perms ...string) Option {
	return func(s *Server) { s.permissions = perms }
}

// WithRateLimit answers 429 once the formatted rate ("10-S") is exceeded.
func WithRateLimit(formattedRate string) Option {
	return func(s *Server) { s.rate = formattedRate }
}

// WithRequestLog logs every request through slog.
func WithRequestLog() Option {
	return func(s *Server) { s.requestLog = true }
}

func WithUploadHook(h UploadHook) Option {
	return func(s *Server) { s.uploadHook = h }
}

type changesetState struct {
	open    bool
	tags    []changeset.Tag
	changes int
}

// ChangesetInfo describes a changeset held by the server.
type ChangesetInfo struct {
	ID      int64
	Open    bool
	Tags    []changeset.Tag
	Changes int
}

type serverElement struct {
	elem    *changeset.Element
	visible bool
}

// Server is the fake API. All methods are safe for concurrent use.
type Server struct {
	maxElements int
	maxWayNodes int
	apiStatus   string
	permissions []string
	rate        string
	requestLog  bool
	uploadHook  UploadHook

	mu            sync.Mutex
	elements      map[changeset.ElementID]*serverElement
	nextID        [3]int64
	changesets    map[int64]*changesetState
	nextChangeset int64
	faults        map[string][]Fault
	calls         map[string]int
	uploads       [][]byte
}

func New(opts ...Option) *Server {
	s := &Server{
		maxElements:   10000,
		maxWayNodes:   2000,
		apiStatus:     "online",
		permissions:   []string{"allow_read_prefs", "allow_write_api", "allow_write_prefs"},
		elements:      make(map[changeset.ElementID]*serverElement),
		changesets:    make(map[int64]*changesetState),
		nextChangeset: 1,
		faults:        make(map[string][]Fault),
		calls:         make(map[string]int),
	}
	for i := range s.nextID {
		s.nextID[i] = 1000
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gin engine serving the API.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	if s.requestLog {
		httpLogger := slog.Default().WithGroup("http")
		r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
			DefaultLevel:     slog.LevelInfo,
			ClientErrorLevel: slog.LevelWarn,
			ServerErrorLevel: slog.LevelError,
			WithRequestID:    true,
		}))
	}
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.BestSpeed))
	if s.rate != "" {
		rate, err := limiter.NewRateFromFormatted(s.rate)
		if err != nil {
			panic(err)
		}
		r.Use(mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)))
	}

	r.GET("/api/capabilities.json", s.route(RouteCapabilities, s.handleCapabilities))
	api := r.Group("/api/0.6")
	{
		api.GET("/permissions.json", s.route(RoutePermissions, s.handlePermissions))
		api.PUT("/changeset/create", s.route(RouteCreate, s.handleCreate))
		api.POST("/changeset/:id/upload", s.route(RouteUpload, s.handleUpload))
		api.PUT("/changeset/:id/close", s.route(RouteClose, s.handleClose))
		api.GET("/:type/:id", s.route(RouteGet, s.handleGet))
	}
	return r
}

// route counts calls and serves injected faults before the real handler.
func (s *Server) route(name string, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[name]++
		var fault *Fault
		if q := s.faults[name]; len(q) > 0 {
			fault = &q[0]
			s.faults[name] = q[1:]
		}
		s.mu.Unlock()

		if fault != nil {
			writeFault(c, fault)
			return
		}
		h(c)
	}
}

func writeFault(c *gin.Context, f *Fault) {
	c.Header("Error", f.Body)
	c.Data(f.Status, "text/plain; charset=utf-8", []byte(f.Body))
}

// Inject queues faults for a route. Each fault answers one request.
func (s *Server) Inject(route string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], faults...)
}

// Calls returns how many requests a route received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Uploads returns every upload body the server accepted or rejected, in order.
func (s *Server) Uploads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.uploads...)
}

// Seed stores elements as visible server state. Missing versions become 1.
func (s *Server) Seed(elems ...*changeset.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range elems {
		e = e.Clone()
		if e.Version == 0 {
			e.Version = 1
		}
		s.elements[e.ElementID()] = &serverElement{elem: e, visible: true}
	}
}

// Remove marks an element deleted, as if someone else deleted it.
func (s *Server) Remove(id changeset.ElementID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.elements[id]; ok {
		se.visible = false
		se.elem.Version++
	}
}

// Element returns the server copy of id and whether it is visible.
func (s *Server) Element(id changeset.ElementID) (*changeset.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.elements[id]
	if !ok {
		return nil, false
	}
	return se.elem.Clone(), se.visible
}

// Visible counts visible elements of one type.
func (s *Server) Visible(t changeset.ElementType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, se := range s.elements {
		if id.Type == t && se.visible {
			n++
		}
	}
	return n
}

// Changesets returns every changeset opened so far.
func (s *Server) Changesets() []ChangesetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangesetInfo, 0, len(s.changesets))
	for id := int64(1); id < s.nextChangeset; id++ {
		cs := s.changesets[id]
		out = append(out, ChangesetInfo{ID: id, Open: cs.open, Tags: cs.tags, Changes: cs.changes})
	}
	return out
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   "0.6",
		"generator": "osmapitest",
		"api": gin.H{
			"version":         gin.H{"minimum": "0.6", "maximum": "0.6"},
			"changesets":      gin.H{"maximum_elements": s.maxElements},
			"waynodes":        gin.H{"maximum": s.maxWayNodes},
			"relationmembers": gin.H{"maximum": 32000},
			"status":          gin.H{"database": s.apiStatus, "api": s.apiStatus, "gpx": s.apiStatus},
		},
	})
}

func (s *Server) handlePermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": "0.6", "permissions": s.permissions})
}

func (s *Server) handleCreate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	tags, err := parseChangesetTags(body)
	if err != nil {
		c.String(http.StatusBadRequest, "Cannot parse valid changeset from xml string")
		return
	}

	s.mu.Lock()
	id := s.nextChangeset
	s.nextChangeset++
	s.changesets[id] = &changesetState{open: true, tags: tags}
	s.mu.Unlock()

	c.String(http.StatusOK, strconv.FormatInt(id, 10))
}

func (s *Server) handleClose(c *gin.Context) {
	id, ok := s.changesetParam(c)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.changesets[id]
	if !cs.open {
		c.String(http.StatusConflict, "The changeset %d was closed", id)
		return
	}
	cs.open = false
	c.Status(http.StatusOK)
}

func (s *Server) handleGet(c *gin.Context) {
	t, err := changeset.ParseElementType(c.Param("type"))
	if err != nil {
		c.String(http.StatusNotFound, "unknown element type")
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid id")
		return
	}

	s.mu.Lock()
	se, ok := s.elements[changeset.NewID(t, id)]
	var elem *changeset.Element
	if ok {
		elem = se.elem.Clone()
	}
	s.mu.Unlock()

	switch {
	case !ok:
		c.String(http.StatusNotFound, "")
	case !se.visible:
		c.String(http.StatusGone, "")
	default:
		c.Data(http.StatusOK, "text/xml; charset=utf-8", renderOSM(elem))
	}
}

func (s *Server) changesetParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid changeset id")
		return 0, false
	}
	s.mu.Lock()
	_, ok := s.changesets[id]
	s.mu.Unlock()
	if !ok {
		c.String(http.StatusNotFound, "The changeset with the id %d was not found", id)
		return 0, false
	}
	return id, true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
