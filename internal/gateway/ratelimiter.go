package gateway

import (
	"context"
	"time"

	"github.com/sasha-s/go-csync"
)

// RateLimiter paces outbound gateway commands. Wait holds the limiter until
// Unlock, so commands also go out one at a time.
type RateLimiter interface {
	Wait(ctx context.Context) error
	Unlock()
}

func NewRateLimiter(opts ...RateLimiterConfigOpt) RateLimiter {
	config := DefaultRateLimiterConfig()
	config.Apply(opts)

	return &rateLimiterImpl{
		config: *config,
	}
}

type rateLimiterImpl struct {
	mu csync.Mutex

	reset     time.Time
	remaining int

	config RateLimiterConfig
}

func (l *rateLimiterImpl) Wait(ctx context.Context) error {
	if err := l.mu.CLock(ctx); err != nil {
		return err
	}

	now := time.Now()

	if !l.reset.After(now) {
		l.reset = now.Add(l.config.Window)
		l.remaining = l.config.CommandsPerWindow
	}

	if l.remaining <= 0 {
		timer := time.NewTimer(l.reset.Sub(now))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			l.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
		}

		l.reset = time.Now().Add(l.config.Window)
		l.remaining = l.config.CommandsPerWindow
	}

	return nil
}

func (l *rateLimiterImpl) Unlock() {
	l.remaining--
	l.mu.Unlock()
}

// DefaultRateLimiterConfig leaves headroom under the gateway's 120 commands
// per 60 seconds for heartbeats, which bypass the limiter.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		CommandsPerWindow: 110,
		Window:            time.Minute,
	}
}

type RateLimiterConfig struct {
	CommandsPerWindow int
	Window            time.Duration
}

type RateLimiterConfigOpt func(config *RateLimiterConfig)

func (c *RateLimiterConfig) Apply(opts []RateLimiterConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithCommandsPerWindow(commands int, window time.Duration) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.CommandsPerWindow = commands
		config.Window = window
	}
}
