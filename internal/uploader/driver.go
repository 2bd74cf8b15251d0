// Package uploader drives the upload protocol: it checks the API, opens
// changesets, sends batches from the splitter and recovers from rejected
// uploads until every change is applied or recorded as failed.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/progress"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrOpenSession  = errors.New("uploader: cannot open changeset")
	ErrBatchTimeout = errors.New("uploader: batch timed out")
	ErrCancelled    = errors.New("uploader: cancelled")
)

// Driver uploads the content of a store.
type Driver struct {
	api     API
	store   *changeset.Store
	ser     *changeset.Serializer
	opts    Options
	limits  Limits
	machine *stateMachine
}

func New(api API, store *changeset.Store, opts Options) *Driver {
	opts.normalize()
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Driver{
		api:     api,
		store:   store,
		ser:     changeset.NewSerializer(store),
		opts:    opts,
		machine: newStateMachine("driver", StateIdle, nil),
	}
}

func (d *Driver) RunID() string {
	return d.opts.RunID
}

func (d *Driver) State() State {
	return d.machine.current()
}

// Limits returns the effective limits, known once capabilities were checked.
func (d *Driver) Limits() Limits {
	return d.limits
}

func (d *Driver) emit(e progress.Event) {
	if d.opts.Observer == nil {
		return
	}
	e.Time = time.Now()
	d.opts.Observer.Observe(e)
}

// Run executes the whole protocol. The returned error is the fatal error that
// stopped the run; rejected elements and close failures are reported in the
// result only.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: d.opts.RunID}
	defer func() {
		res.Duration = time.Since(start)
		res.Stats = d.store.Stats()
		res.Failures = d.store.Failures()
	}()

	if err := d.checkCapabilities(ctx); err != nil {
		return d.abort(res, err)
	}
	if err := d.checkPermissions(ctx); err != nil {
		return d.abort(res, err)
	}
	res.Limits = d.limits

	if d.limits.WayNodes > 0 {
		if n := d.store.SplitLongWays(d.limits.WayNodes, d.opts.SplitStrategy); n > 0 {
			slog.Info("upload split long ways", "ways", n, "max nodes", d.limits.WayNodes, "strategy", d.opts.SplitStrategy)
		}
	}
	if d.opts.Prepare != nil {
		if err := d.opts.Prepare(d.store); err != nil {
			return d.abort(res, fmt.Errorf("prepare store: %w", err))
		}
	}

	sessions := d.sessions()
	slog.Info("upload start", "run", d.opts.RunID, "sessions", len(sessions), "changes", d.store.Len(),
		"push size", d.limits.PushSize, "changeset size", d.limits.ChangesetSize)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return s.run(gctx)
		})
	}
	err := g.Wait()

	for _, s := range sessions {
		res.Sessions = append(res.Sessions, s.result())
	}
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		res.Cancelled = true
	}
	res.Err = err

	final := StateClosed
	if err != nil || res.CloseFailed() {
		final = StateFailed
	}
	_ = d.machine.to(final)

	slog.Info("upload done", "run", d.opts.RunID, "state", final, "processed", d.store.ProcessedCount(),
		"failures", len(d.store.Failures()), "duration", time.Since(start).Round(time.Millisecond))
	return res, err
}

func (d *Driver) abort(res *Result, err error) (*Result, error) {
	_ = d.machine.to(StateError)
	_ = d.machine.to(StateFailed)
	slog.Error("upload aborted", "run", d.opts.RunID, "error", err)
	res.Err = err
	return res, err
}

func (d *Driver) checkCapabilities(ctx context.Context) error {
	caps, err := d.api.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", osmapi.ErrCapabilities, err)
	}
	if !caps.Online() {
		return fmt.Errorf("%w: api status %q, database status %q", osmapi.ErrCapabilities, caps.APIStatus, caps.DatabaseStatus)
	}
	d.limits = intersect(d.opts, caps)
	slog.Debug("upload capabilities", "server changeset size", caps.MaxChangesetSize, "server way nodes", caps.MaxWayNodes,
		"push size", d.limits.PushSize, "way nodes", d.limits.WayNodes)
	return d.machine.to(StateCapabilitiesChecked)
}

func (d *Driver) checkPermissions(ctx context.Context) error {
	perms, err := d.api.Permissions(ctx)
	if err != nil {
		return fmt.Errorf("check permissions: %w", err)
	}
	if !perms.CanWrite() {
		return fmt.Errorf("%w: granted %v", osmapi.ErrNoWriteAccess, perms.Permissions)
	}
	return d.machine.to(StatePermissionsChecked)
}

// sessions builds one session per shard of the store.
func (d *Driver) sessions() []*session {
	if d.opts.Sharding <= 1 {
		return []*session{newSession(d, 0, nil)}
	}
	scopes := d.store.Shards(d.opts.Sharding)
	if len(scopes) == 0 {
		return []*session{newSession(d, 0, nil)}
	}
	out := make([]*session, len(scopes))
	for i, sc := range scopes {
		out[i] = newSession(d, i, sc)
	}
	return out
}
