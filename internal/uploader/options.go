package uploader

import (
	"context"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/progress"
)

const (
	defaultChangesetSize = 10000
	defaultMaxAttempts   = 5
	defaultBatchTimeout  = 10 * time.Minute
	defaultCloseTimeout  = 30 * time.Second
)

// API is the part of the map API the driver talks to. *osmapi.Client
// implements it.
type API interface {
	Capabilities(ctx context.Context) (*osmapi.Capabilities, error)
	Permissions(ctx context.Context) (*osmapi.Permissions, error)
	OpenChangeset(ctx context.Context, tags []changeset.Tag) (int64, error)
	Upload(ctx context.Context, changesetID int64, body []byte) ([]byte, error)
	CloseChangeset(ctx context.Context, changesetID int64) error
	GetElement(ctx context.Context, id changeset.ElementID) (*changeset.Element, error)
}

type Options struct {
	// MaxPushSize caps the number of changes in one upload.
	MaxPushSize int
	// MaxChangesetSize caps the changes applied to one changeset before it is
	// closed and a new one opened. Zero uses the server limit.
	MaxChangesetSize int
	// MaxWayNodes caps node refs per way. Zero uses the server limit.
	MaxWayNodes   int
	SplitStrategy changeset.SplitStrategy
	// MaxAttempts bounds session opens and transport retries of one batch.
	MaxAttempts int
	Backoff     Backoff
	// BatchTimeout bounds one batch including its retries.
	BatchTimeout time.Duration
	CloseTimeout time.Duration
	// Sharding is the number of concurrent sessions.
	Sharding int
	Tags     []changeset.Tag
	RunID    string
	Observer progress.Observer
	// Prepare runs once after long ways are split and before the first
	// batch. Journal state is restored here, since split pieces only exist
	// from this point on.
	Prepare func(*changeset.Store) error
}

func DefaultOptions() Options {
	return Options{
		MaxPushSize:   2000,
		SplitStrategy: changeset.SplitRelation,
		MaxAttempts:   defaultMaxAttempts,
		Backoff:       Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second},
		BatchTimeout:  defaultBatchTimeout,
		CloseTimeout:  defaultCloseTimeout,
		Sharding:      1,
	}
}

func (o *Options) normalize() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaultBatchTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.Sharding < 1 {
		o.Sharding = 1
	}
}

// Limits are the effective ceilings after intersecting options with the
// server's capabilities.
type Limits struct {
	PushSize      int
	ChangesetSize int
	WayNodes      int
}

// minLimit returns the smaller positive value. Zero means unlimited.
func minLimit(a, b int) int {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	}
	return min(a, b)
}

func intersect(o Options, caps *osmapi.Capabilities) Limits {
	l := Limits{
		ChangesetSize: minLimit(o.MaxChangesetSize, caps.MaxChangesetSize),
		WayNodes:      minLimit(o.MaxWayNodes, caps.MaxWayNodes),
	}
	if l.ChangesetSize == 0 {
		l.ChangesetSize = defaultChangesetSize
	}
	l.PushSize = minLimit(o.MaxPushSize, l.ChangesetSize)
	return l
}
