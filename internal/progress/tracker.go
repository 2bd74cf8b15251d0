package progress

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/geopush/geopush/internal/changeset"
)

const eventBufferSize = 64

// ShardStats is the progress of one upload session.
type ShardStats struct {
	Shard      int
	State      string
	Changesets []int64
	Batches    int
	// Applied counts server-confirmed changes per action.
	Applied  [3]int
	Retries  map[changeset.FailureClass]int
	Failures int
	// Last is the element that best describes how far the session got.
	Last    changeset.Entry
	HasLast bool
	Err     error
	Updated time.Time
}

// AppliedTotal is the number of changes confirmed for the shard.
func (s *ShardStats) AppliedTotal() int {
	return s.Applied[changeset.Create] + s.Applied[changeset.Modify] + s.Applied[changeset.Delete]
}

// RetryTotal sums retries over all classes.
func (s *ShardStats) RetryTotal() int {
	n := 0
	for _, c := range s.Retries {
		n += c
	}
	return n
}

func (s *ShardStats) clone() ShardStats {
	c := *s
	c.Changesets = append([]int64(nil), s.Changesets...)
	c.Retries = make(map[changeset.FailureClass]int, len(s.Retries))
	for k, v := range s.Retries {
		c.Retries[k] = v
	}
	return c
}

// Tracker aggregates driver events into per-shard statistics and rebroadcasts
// them to subscribers.
type Tracker struct {
	shards  map[int]*ShardStats
	started time.Time
	mu      sync.RWMutex

	eventSubs []chan Event
	eventMu   sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		shards:  make(map[int]*ShardStats),
		started: time.Now(),
	}
}

// Subscribe returns a channel receiving every observed event. Slow
// subscribers miss events rather than block the upload.
func (t *Tracker) Subscribe() <-chan Event {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	ch := make(chan Event, eventBufferSize)
	t.eventSubs = append(t.eventSubs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (t *Tracker) Unsubscribe(ch <-chan Event) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	for i, sub := range t.eventSubs {
		if sub == ch {
			close(sub)
			t.eventSubs = append(t.eventSubs[:i], t.eventSubs[i+1:]...)
			break
		}
	}
}

func (t *Tracker) broadcast(e Event) {
	t.eventMu.RLock()
	defer t.eventMu.RUnlock()

	for _, sub := range t.eventSubs {
		select {
		case sub <- e:
		default:
		}
	}
}

func (t *Tracker) shard(n int) *ShardStats {
	if s, ok := t.shards[n]; ok {
		return s
	}
	s := &ShardStats{Shard: n, Retries: make(map[changeset.FailureClass]int)}
	t.shards[n] = s
	return s
}

// Observe implements Observer.
func (t *Tracker) Observe(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	t.mu.Lock()
	s := t.shard(e.Shard)
	s.Updated = e.Time
	switch e.Kind {
	case EventState:
		s.State = e.State
	case EventSessionOpened:
		s.Changesets = append(s.Changesets, e.ChangesetID)
	case EventBatch:
		s.Batches++
		if e.Batch == nil {
			break
		}
		for _, id := range e.Applied {
			if a, ok := e.Batch.Action(id); ok {
				s.Applied[a]++
			}
		}
		if last, ok := e.Batch.LastElement(); ok {
			s.Last, s.HasLast = last, true
		}
	case EventRetry:
		s.Retries[e.Class]++
	case EventFailure:
		s.Failures++
	case EventSessionClosed:
		if e.Err != nil {
			s.Err = e.Err
		}
	}
	t.mu.Unlock()

	if e.Kind == EventState {
		slog.Debug("progress state", "shard", e.Shard, "state", e.State)
	}
	t.broadcast(e)
}

// Shard returns a copy of one shard's statistics.
func (t *Tracker) Shard(n int) (ShardStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.shards[n]
	if !ok {
		return ShardStats{}, false
	}
	return s.clone(), true
}

// Snapshot returns every shard's statistics ordered by shard.
func (t *Tracker) Snapshot() []ShardStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ShardStats, 0, len(t.shards))
	for _, s := range t.shards {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

// Elapsed is the time since the tracker was created.
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.started)
}
