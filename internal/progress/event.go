// Package progress keeps track of an upload run: live per-shard statistics,
// a resumable journal of applied changes, and the end-of-run summary.
package progress

import (
	"time"

	"github.com/geopush/geopush/internal/changeset"
)

// EventKind names what happened in an upload session.
type EventKind string

const (
	EventState         EventKind = "state"
	EventSessionOpened EventKind = "session-opened"
	EventBatch         EventKind = "batch"
	EventRetry         EventKind = "retry"
	EventFailure       EventKind = "failure"
	EventSessionClosed EventKind = "session-closed"
)

// Event is emitted by the upload driver. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	Shard       int
	State       string
	ChangesetID int64
	Sequence    int64
	Class       changeset.FailureClass
	// Batch is the batch that was sent for EventBatch.
	Batch   *changeset.Batch
	Applied []changeset.ElementID
	// Remaps holds the server ids assigned to created elements in Applied.
	Remaps  map[changeset.ElementID]changeset.Remap
	Failure *changeset.FailureRecord
	Err     error
	Time    time.Time
}

type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// Observers fans an event out to each observer in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}
