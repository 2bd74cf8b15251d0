package uploader

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n). Tests replace it for determinism.
	Jitter func(n int64) int64
}

// Delay returns the wait before retry number attempt (starting at 1). The
// ceiling doubles from Base up to Max, or without bound when Max is zero;
// the delay is drawn from [ceiling/2, ceiling].
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := b.Base
	for i := 1; i < attempt && ceiling > 0 && ceiling <= math.MaxInt64/2; i++ {
		if b.Max > 0 && ceiling >= b.Max {
			break
		}
		ceiling *= 2
	}
	if b.Max > 0 && ceiling > b.Max {
		ceiling = b.Max
	}
	if ceiling <= 0 {
		return 0
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	half := int64(ceiling) / 2
	return time.Duration(half + jitter(int64(ceiling)-half+1))
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
