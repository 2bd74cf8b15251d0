package uploader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Transitions(t *testing.T) {
	var seen []State
	m := newStateMachine("test", StateIdle, func(s State) { seen = append(seen, s) })

	for _, next := range []State{
		StateCapabilitiesChecked,
		StatePermissionsChecked,
		StateSessionOpen,
		StateUploading,
		StateUploading,
		StateSessionClosing,
		StateSessionOpen,
		StateSessionClosing,
		StateClosed,
	} {
		require.NoError(t, m.to(next), "to %s", next)
	}
	assert.Equal(t, StateClosed, m.current())
	assert.Len(t, seen, 9)
	assert.True(t, m.current().Terminal())

	assert.Error(t, m.to(StateSessionOpen), "closed is terminal")
	assert.Equal(t, StateClosed, m.current())
}

func TestStateMachine_IllegalTransition(t *testing.T) {
	m := newStateMachine("test", StateIdle, nil)
	assert.Error(t, m.to(StateUploading))
	assert.Equal(t, StateIdle, m.current())

	require.NoError(t, m.to(StateError))
	require.NoError(t, m.to(StateFailed))
	assert.True(t, m.current().Terminal())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "permissions-checked", StatePermissionsChecked.String())
	assert.Equal(t, "session-closing", StateSessionClosing.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestBackoff_Delay(t *testing.T) {
	ceiling := func(n int64) int64 { return n - 1 }
	floor := func(int64) int64 { return 0 }

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: ceiling}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(30))

	b.Jitter = floor
	assert.Equal(t, 50*time.Millisecond, b.Delay(1))
	assert.Equal(t, 500*time.Millisecond, b.Delay(12))

	for i := 1; i < 10; i++ {
		d := Backoff{Base: 10 * time.Millisecond, Max: 80 * time.Millisecond}.Delay(i)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestBackoff_DelayWithoutMaxKeepsGrowing(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Jitter: func(n int64) int64 { return n - 1 }}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 1600*time.Millisecond, b.Delay(5))

	// huge attempt counts stop doubling instead of overflowing
	assert.Positive(t, b.Delay(200))
}

func TestBackoff_WaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := Backoff{Base: time.Hour, Max: time.Hour}
	assert.ErrorIs(t, b.Wait(ctx, 1), context.Canceled)

	assert.NoError(t, Backoff{Base: time.Millisecond, Max: time.Millisecond}.Wait(context.Background(), 1))
}

func TestIntersectLimits(t *testing.T) {
	assert.Equal(t, 3, minLimit(3, 10))
	assert.Equal(t, 10, minLimit(0, 10))
	assert.Equal(t, 3, minLimit(3, 0))
	assert.Equal(t, 0, minLimit(0, 0))
}
