// Package sequencer provides a FIFO turnstile used to serialize work that
// must run one caller at a time in arrival order.
package sequencer

import (
	"context"
	"sync"
)

// Sequencer hands out turns in the order Wait was called. The holder of the
// current turn must call Release exactly once.
type Sequencer struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func New() *Sequencer {
	return &Sequencer{}
}

// Wait blocks until it is the caller's turn or ctx is done. On a ctx error the
// caller does not hold the turn and must not call Release.
func (s *Sequencer) Wait(ctx context.Context) error {
	s.mu.Lock()

	if !s.busy {
		s.busy = true
		s.mu.Unlock()
		return nil
	}

	turn := make(chan struct{})
	s.waiters = append(s.waiters, turn)
	s.mu.Unlock()

	select {
	case <-turn:
		return nil

	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == turn {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()

		// The turn was handed over while we were giving up, pass it on.
		s.Release()
		return ctx.Err()
	}
}

// Release gives the turn to the oldest waiter, if any.
func (s *Sequencer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) == 0 {
		s.busy = false
		return
	}

	next := s.waiters[0]
	s.waiters[0] = nil
	s.waiters = s.waiters[1:]
	close(next)
}

// Remaining is the number of callers still queued behind the current turn.
func (s *Sequencer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Busy reports whether some caller currently holds the turn.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}
