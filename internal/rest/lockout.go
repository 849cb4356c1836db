package rest

import (
	"context"
	"sync"
	"time"
)

// globalLockout gates every queue while a global 429 is in effect. Setting it
// only ever extends the lockout.
type globalLockout struct {
	mu    sync.Mutex
	until time.Time
}

func (g *globalLockout) Set(d time.Duration) bool {
	until := time.Now().Add(d)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !until.After(g.until) {
		return false
	}

	g.until = until
	return true
}

func (g *globalLockout) Until() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}

func (g *globalLockout) Active() bool {
	return time.Now().Before(g.Until())
}

// Wait returns once no lockout is active. A lockout extended while waiting is
// honored.
func (g *globalLockout) Wait(ctx context.Context) error {
	for {
		wait := time.Until(g.Until())
		if wait <= 0 {
			return nil
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
