package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/progress"
)

// session uploads one scope through a sequence of changesets. Batches are
// sent one at a time.
type session struct {
	d       *Driver
	shard   int
	sp      *changeset.Splitter
	machine *stateMachine

	changesetID int64
	// applied counts changes confirmed in the open changeset.
	applied int

	perElement        bool
	followups         []*changeset.Batch
	retried           map[changeset.ElementID]int
	deferred          map[changeset.ElementID]bool
	transportFailures int

	res SessionResult
}

func newSession(d *Driver, shard int, scope changeset.Scope) *session {
	s := &session{
		d:        d,
		shard:    shard,
		sp:       changeset.NewSplitter(d.store, changeset.SplitterOptions{Scope: scope}),
		retried:  make(map[changeset.ElementID]int),
		deferred: make(map[changeset.ElementID]bool),
		res:      SessionResult{Shard: shard},
	}
	s.machine = newStateMachine("session "+strconv.Itoa(shard), StatePermissionsChecked, func(st State) {
		s.emit(progress.Event{Kind: progress.EventState, State: st.String()})
	})
	return s
}

func (s *session) emit(e progress.Event) {
	e.Shard = s.shard
	e.ChangesetID = s.changesetID
	s.d.emit(e)
}

func (s *session) log() *slog.Logger {
	return slog.With("shard", s.shard, "changeset", s.changesetID)
}

func (s *session) result() SessionResult {
	r := s.res
	r.State = s.machine.current()
	return r
}

func (s *session) hasWork() bool {
	return len(s.followups) > 0 || s.sp.HasMore()
}

// next returns the pending follow-up batch or the next batch from the splitter.
func (s *session) next(room int) *changeset.Batch {
	if len(s.followups) > 0 {
		b := s.followups[0]
		s.followups = s.followups[1:]
		return b
	}
	b, ok := s.sp.Next(min(s.d.limits.PushSize, room))
	if !ok {
		return nil
	}
	return b
}

// dropFollowups returns deferred elements to the pool.
func (s *session) dropFollowups() {
	for _, b := range s.followups {
		s.d.store.Release(b.IDs()...)
	}
	s.followups = nil
}

// run uploads until the scope is drained, the context is cancelled or a
// fatal error occurs. Cancellation is only checked between batches.
func (s *session) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.res.Cancelled = true
			s.dropFollowups()
			s.log().Info("upload cancelled", "batches", s.res.Batches)
			break
		}
		if !s.hasWork() {
			break
		}
		if s.changesetID == 0 {
			if err := s.open(ctx); err != nil {
				if ctx.Err() != nil {
					s.res.Cancelled = true
					break
				}
				return s.abort(ctx, err)
			}
		}

		b := s.next(s.d.limits.ChangesetSize - s.applied)
		if b == nil {
			break
		}
		b.ChangesetID = s.changesetID
		if s.machine.current() != StateUploading {
			_ = s.machine.to(StateUploading)
		}
		s.res.Batches++
		if err := s.upload(ctx, b); err != nil {
			return s.abort(ctx, err)
		}

		if s.applied >= s.d.limits.ChangesetSize && s.hasWork() {
			s.log().Info("upload changeset full", "applied", s.applied)
			_ = s.machine.to(StateSessionClosing)
			s.close(ctx)
		}
	}
	return s.finish(ctx)
}

// finish closes the open changeset and settles the final state.
func (s *session) finish(ctx context.Context) error {
	if s.machine.current() == StatePermissionsChecked {
		return s.machine.to(StateClosed)
	}
	if s.machine.current() != StateSessionClosing {
		_ = s.machine.to(StateSessionClosing)
	}
	s.close(ctx)
	if len(s.res.CloseErrors) > 0 {
		return s.machine.to(StateFailed)
	}
	return s.machine.to(StateClosed)
}

// abort records a fatal error, returns in-flight changes and still closes
// the open changeset.
func (s *session) abort(ctx context.Context, err error) error {
	s.log().Error("upload session aborted", "error", err)
	s.res.Err = err
	_ = s.machine.to(StateError)
	s.dropFollowups()

	if s.changesetID != 0 {
		_ = s.machine.to(StateSessionClosing)
		s.close(ctx)
	}
	_ = s.machine.to(StateFailed)
	return err
}

// open creates a changeset, retrying transient failures with backoff.
func (s *session) open(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.d.opts.MaxAttempts; attempt++ {
		octx, cancel := context.WithTimeout(ctx, s.d.opts.BatchTimeout)
		id, err := s.d.api.OpenChangeset(octx, s.d.opts.Tags)
		cancel()
		if err == nil {
			s.changesetID = id
			s.applied = 0
			s.res.Changesets = append(s.res.Changesets, id)
			_ = s.machine.to(StateSessionOpen)
			s.emit(progress.Event{Kind: progress.EventSessionOpened})
			s.log().Info("upload changeset opened", "attempt", attempt)
			return nil
		}

		lastErr = err
		if osmapi.ClassOf(err) != changeset.ClassTransport || ctx.Err() != nil {
			break
		}
		s.emit(progress.Event{Kind: progress.EventRetry, Class: changeset.ClassTransport, Err: err})
		s.log().Warn("upload open changeset retry", "attempt", attempt, "max", s.d.opts.MaxAttempts, "error", err)
		if attempt < s.d.opts.MaxAttempts {
			if werr := s.d.opts.Backoff.Wait(ctx, attempt); werr != nil {
				break
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrOpenSession, lastErr)
}

// close closes the open changeset once. It runs detached from cancellation so
// an interrupted run still leaves no changeset open.
func (s *session) close(ctx context.Context) {
	if s.changesetID == 0 {
		return
	}
	id := s.changesetID

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.d.opts.CloseTimeout)
	defer cancel()
	err := s.d.api.CloseChangeset(cctx, id)
	if err != nil {
		err = fmt.Errorf("close changeset %d: %w", id, err)
		s.res.CloseErrors = append(s.res.CloseErrors, err)
		s.log().Error("upload changeset close", "error", err)
	} else {
		s.log().Info("upload changeset closed", "applied", s.applied)
	}
	s.emit(progress.Event{Kind: progress.EventSessionClosed, Err: err})
	s.changesetID = 0
	s.applied = 0
}
