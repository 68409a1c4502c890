// Package watch holds a value that background workers update and other
// goroutines observe.
package watch

import "sync"

// Value is a concurrency-safe cell. Subscribers receive the latest value;
// a slow subscriber skips intermediate values instead of blocking Set.
type Value[T any] struct {
	mu   sync.Mutex
	cur  T
	subs map[chan T]struct{}
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[chan T]struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cur = x
	for ch := range v.subs {
		select {
		case ch <- x:
		default:
			// drop the stale value and keep the newest
			select {
			case <-ch:
			default:
			}
			ch <- x
		}
	}
}

// Subscribe returns a channel primed with the current value and a cancel
// func that closes it.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	v.mu.Lock()
	ch <- v.cur
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, ch)
			close(ch)
			v.mu.Unlock()
		})
	}
	return ch, cancel
}
