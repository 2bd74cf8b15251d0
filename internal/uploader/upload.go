package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/progress"
)

// upload sends b and every retry derived from it. Derived batches keep the
// sequence number of b and go out before anything else. The batch is bounded
// by BatchTimeout but not by cancellation of ctx.
func (s *session) upload(ctx context.Context, b *changeset.Batch) error {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.d.opts.BatchTimeout)
	defer cancel()

	queue := []*changeset.Batch{b}
	for len(queue) > 0 {
		cur := s.pending(queue[0])
		queue = queue[1:]
		if cur.Empty() {
			continue
		}
		if s.perElement && cur.Size() > 1 {
			queue = append(cur.Singles(), queue...)
			continue
		}

		retry, err := s.send(bctx, cur)
		if err != nil {
			s.d.store.Release(b.IDs()...)
			return err
		}
		queue = append(retry, queue...)
	}
	return nil
}

// pending drops entries that reached a final state since b was built.
func (s *session) pending(b *changeset.Batch) *changeset.Batch {
	var keep []changeset.ElementID
	for _, id := range b.IDs() {
		if st, ok := s.d.store.Status(id); ok && st == changeset.StatusBuffering {
			keep = append(keep, id)
		}
	}
	if len(keep) == b.Size() {
		return b
	}
	return b.Only(keep...)
}

// send makes one upload attempt. On a recoverable rejection it returns the
// batches to send next; a returned error ends the session.
func (s *session) send(ctx context.Context, b *changeset.Batch) ([]*changeset.Batch, error) {
	body, err := s.d.ser.Render(b, b.Sequence)
	if err != nil {
		return nil, fmt.Errorf("render batch %d: %w", b.Sequence, err)
	}
	s.log().Debug("upload batch send", "batch", b.Sequence, "size", b.Size(), "bytes", len(body))

	out, err := s.d.api.Upload(ctx, s.changesetID, body)
	if err == nil {
		s.transportFailures = 0
		return nil, s.applyResult(b, out)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: batch %d: %w", ErrBatchTimeout, b.Sequence, err)
	}

	class := osmapi.ClassOf(err)
	var reason string
	var apiErr *osmapi.APIError
	if errors.As(err, &apiErr) {
		reason = apiErr.Body
	}
	s.log().Warn("upload batch rejected", "batch", b.Sequence, "size", b.Size(), "class", class, "error", err)

	switch class {
	case changeset.ClassTransport:
		return s.retryTransport(ctx, b, err)
	case changeset.ClassMethodRejected:
		return s.methodRejected(b, reason), nil
	case changeset.ClassVersionConflict, changeset.ClassElementGone, changeset.ClassPrecondition:
		return s.conflict(ctx, b, class, reason), nil
	}
	return nil, fmt.Errorf("batch %d: %w", b.Sequence, err)
}

// applyResult applies the diff of an accepted upload.
func (s *session) applyResult(b *changeset.Batch, out []byte) error {
	diff, err := changeset.ParseDiffResult(out)
	if err != nil {
		return fmt.Errorf("%w: batch %d: %w", osmapi.ErrProtocol, b.Sequence, err)
	}
	applied, missing := s.d.store.ApplyDiff(b, diff)
	s.applied += len(applied)

	remap := s.d.store.Remap()
	remaps := make(map[changeset.ElementID]changeset.Remap)
	for _, id := range applied {
		if a, _ := b.Action(id); a == changeset.Create {
			if m, ok := remap.Get(id); ok {
				remaps[id] = m
			}
		}
	}
	s.emit(progress.Event{
		Kind:     progress.EventBatch,
		Sequence: b.Sequence,
		Batch:    b,
		Applied:  applied,
		Remaps:   remaps,
	})

	// an accepted upload that skips an element cannot be retried safely
	for _, id := range missing {
		s.fail(id, changeset.FailureRecord{
			Sequence: b.Sequence,
			Class:    changeset.ClassProtocol,
			Message:  "not in diff result",
		})
	}

	attrs := []any{"batch", b.Sequence, "applied", len(applied), "processed", s.d.store.ProcessedCount()}
	if last, ok := b.LastElement(); ok {
		attrs = append(attrs, "last", last.Action.String()+" "+last.ID.String())
	}
	s.log().Info("upload batch", attrs...)
	return nil
}

// fail marks id failed, cascading to dependants, and reports every failure.
func (s *session) fail(id changeset.ElementID, rec changeset.FailureRecord) {
	for _, fid := range s.d.store.Fail(id, rec) {
		class := rec.Class
		if fid != id {
			class = changeset.ClassReferential
		}
		s.emit(progress.Event{Kind: progress.EventFailure, Sequence: rec.Sequence, Class: class})
		s.log().Warn("upload element failed", "id", fid, "batch", rec.Sequence, "class", class, "message", rec.Message)
	}
}

func (s *session) retryTransport(ctx context.Context, b *changeset.Batch, err error) ([]*changeset.Batch, error) {
	s.transportFailures++
	if s.transportFailures >= s.d.opts.MaxAttempts {
		return nil, fmt.Errorf("batch %d: giving up after %d attempts: %w", b.Sequence, s.transportFailures, err)
	}
	s.emit(progress.Event{Kind: progress.EventRetry, Sequence: b.Sequence, Class: changeset.ClassTransport, Err: err})
	if werr := s.d.opts.Backoff.Wait(ctx, s.transportFailures); werr != nil {
		return nil, fmt.Errorf("%w: batch %d: %w", ErrBatchTimeout, b.Sequence, err)
	}
	return []*changeset.Batch{b}, nil
}

// methodRejected switches the session to one element per upload. A single
// element that is still rejected fails.
func (s *session) methodRejected(b *changeset.Batch, reason string) []*changeset.Batch {
	if b.Size() == 1 {
		s.fail(b.IDs()[0], changeset.FailureRecord{Sequence: b.Sequence, Class: changeset.ClassMethodRejected, Message: reason})
		return nil
	}
	s.emit(progress.Event{Kind: progress.EventRetry, Sequence: b.Sequence, Class: changeset.ClassMethodRejected})
	if !s.perElement {
		s.perElement = true
		s.log().Warn("upload switching to per-element mode", "batch", b.Sequence)
	}
	return b.Singles()
}

// conflict handles rejections naming an element. When the element cannot be
// identified the batch is bisected.
func (s *session) conflict(ctx context.Context, b *changeset.Batch, class changeset.FailureClass, reason string) []*changeset.Batch {
	c, parsed := osmapi.ParseConflict(class, reason)
	id, found := changeset.ElementID{}, false
	if parsed {
		id, found = s.storeID(b, c.ID)
	}
	if !found {
		if b.Size() == 1 {
			s.fail(b.IDs()[0], changeset.FailureRecord{Sequence: b.Sequence, Class: class, Message: reason})
			return nil
		}
		s.emit(progress.Event{Kind: progress.EventRetry, Sequence: b.Sequence, Class: class})
		s.log().Info("upload bisecting batch", "batch", b.Sequence, "size", b.Size())
		first, second := b.Halves()
		return []*changeset.Batch{first, second}
	}

	switch class {
	case changeset.ClassVersionConflict:
		return s.rebase(ctx, b, id, c, reason)
	case changeset.ClassElementGone:
		return s.gone(b, id, reason)
	default:
		return s.precondition(ctx, b, id, c, reason)
	}
}

// storeID maps an id as sent to the server back to the store id.
func (s *session) storeID(b *changeset.Batch, sent changeset.ElementID) (changeset.ElementID, bool) {
	remap := s.d.store.Remap()
	for _, id := range b.IDs() {
		if id.Type == sent.Type && remap.Resolve(id.Type, id.ID) == sent.ID {
			return id, true
		}
	}
	return changeset.ElementID{}, false
}

// sentID is the id of a store element as the server knows it.
func (s *session) sentID(id changeset.ElementID) changeset.ElementID {
	return changeset.NewID(id.Type, s.d.store.Remap().Resolve(id.Type, id.ID))
}

// rebase refetches the element and retries once with the server version.
func (s *session) rebase(ctx context.Context, b *changeset.Batch, id changeset.ElementID, c osmapi.Conflict, reason string) []*changeset.Batch {
	if s.retried[id] > 0 {
		s.fail(id, changeset.FailureRecord{Sequence: b.Sequence, Class: changeset.ClassVersionConflict, Message: reason})
		return []*changeset.Batch{b}
	}
	s.retried[id]++
	s.emit(progress.Event{Kind: progress.EventRetry, Sequence: b.Sequence, Class: changeset.ClassVersionConflict})

	version := c.ServerVersion
	current, err := s.d.api.GetElement(ctx, s.sentID(id))
	switch {
	case err == nil:
		version = current.Version
	case osmapi.ClassOf(err) == changeset.ClassElementGone:
		return s.gone(b, id, reason)
	default:
		s.log().Warn("upload refetch failed", "id", id, "error", err)
	}
	if version <= 0 {
		s.fail(id, changeset.FailureRecord{Sequence: b.Sequence, Class: changeset.ClassVersionConflict, Message: reason})
		return []*changeset.Batch{b}
	}
	s.d.store.SetVersion(id, version)
	s.log().Info("upload rebased", "id", id, "version", version, "batch", b.Sequence)
	return []*changeset.Batch{b}
}

// gone drops an element the server no longer has. A delete of it is already
// done; anything else fails.
func (s *session) gone(b *changeset.Batch, id changeset.ElementID, reason string) []*changeset.Batch {
	if a, _ := b.Action(id); a == changeset.Delete {
		s.d.store.Satisfy(id, changeset.FailureRecord{
			Sequence: b.Sequence,
			Class:    changeset.ClassElementGone,
			Message:  "already deleted: " + reason,
		})
		s.emit(progress.Event{Kind: progress.EventFailure, Sequence: b.Sequence, Class: changeset.ClassElementGone})
		s.log().Info("upload delete already applied", "id", id, "batch", b.Sequence)
		return []*changeset.Batch{b}
	}
	s.fail(id, changeset.FailureRecord{Sequence: b.Sequence, Class: changeset.ClassElementGone, Message: reason})
	return []*changeset.Batch{b}
}

// precondition rebases the element and the related elements we hold and
// retries once. A second rejection moves the element to a follow-up batch
// sent right after this one; a rejection of the follow-up fails it.
func (s *session) precondition(ctx context.Context, b *changeset.Batch, id changeset.ElementID, c osmapi.Conflict, reason string) []*changeset.Batch {
	if s.deferred[id] {
		s.fail(id, changeset.FailureRecord{Sequence: b.Sequence, Class: changeset.ClassPrecondition, Message: reason})
		return []*changeset.Batch{b}
	}
	if s.retried[id] == 0 {
		s.retried[id]++
		s.emit(progress.Event{Kind: progress.EventRetry, Sequence: b.Sequence, Class: changeset.ClassPrecondition})
		s.refresh(ctx, append([]changeset.ElementID{id}, c.Related...))
		return []*changeset.Batch{b}
	}

	s.deferred[id] = true
	follow := b.Only(id)
	follow.Sequence = s.sp.NextSequence()
	s.followups = append(s.followups, follow)
	s.log().Info("upload deferred element", "id", id, "batch", b.Sequence, "follow-up", follow.Sequence)
	return []*changeset.Batch{b.Without(id)}
}

// refresh rebases the versions of server elements held in the store.
func (s *session) refresh(ctx context.Context, ids []changeset.ElementID) {
	for _, id := range ids {
		if id.IsProvisional() {
			continue
		}
		if _, _, ok := s.d.store.Get(id); !ok {
			continue
		}
		current, err := s.d.api.GetElement(ctx, id)
		if err != nil {
			s.log().Debug("upload refresh failed", "id", id, "error", err)
			continue
		}
		s.d.store.SetVersion(id, current.Version)
	}
}
