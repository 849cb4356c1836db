package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	l := NewRateLimiter(WithCommandsPerWindow(2, 100*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
		l.Unlock()
	}

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterCancel(t *testing.T) {
	l := NewRateLimiter(WithCommandsPerWindow(1, time.Minute))

	require.NoError(t, l.Wait(context.Background()))
	l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	// The cancelled wait gave the lock back.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, l.Wait(ctx2), context.DeadlineExceeded)
}

func TestRateLimiterHoldsUntilUnlock(t *testing.T) {
	l := NewRateLimiter()
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	l.Unlock()
	require.NoError(t, l.Wait(context.Background()))
	l.Unlock()
}
