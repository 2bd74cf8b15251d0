package osmapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const throttleKey = "osmapi"

// throttle keeps outgoing requests under a fixed rate.
type throttle struct {
	limiter *limiter.Limiter
}

func newThrottle(formattedRate string) (*throttle, error) {
	if formattedRate == "" {
		return &throttle{}, nil
	}
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("request rate %q: %w", formattedRate, err)
	}
	return &throttle{limiter: limiter.New(memory.NewStore(), rate)}, nil
}

// wait blocks until a request may be sent or ctx is done.
func (t *throttle) wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	for {
		lctx, err := t.limiter.Get(ctx, throttleKey)
		if err != nil {
			return err
		}
		if !lctx.Reached {
			return nil
		}
		delay := time.Until(time.Unix(lctx.Reset, 0))
		if delay <= 0 {
			delay = 10 * time.Millisecond
		}
		slog.Debug("osmapi throttled", "wait", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
