package gateway

import "sync"

// relay forwards values to out in push order. push never blocks, so a slow
// reader of out cannot stall the goroutine producing values.
type relay[T any] struct {
	out  chan<- T
	done <-chan struct{}

	mu     sync.Mutex
	queue  []T
	signal chan struct{}
}

func newRelay[T any](out chan<- T, done <-chan struct{}) *relay[T] {
	r := &relay[T]{
		out:    out,
		done:   done,
		signal: make(chan struct{}, 1),
	}

	go r.run()

	return r
}

func (r *relay[T]) push(v T) {
	r.mu.Lock()
	r.queue = append(r.queue, v)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *relay[T]) run() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()

			select {
			case <-r.signal:
				continue
			case <-r.done:
				return
			}
		}

		v := r.queue[0]
		var zero T
		r.queue[0] = zero
		r.queue = r.queue[1:]
		r.mu.Unlock()

		select {
		case r.out <- v:
		case <-r.done:
			return
		}
	}
}
