// Package observable provides a latest-snapshot broadcast primitive.
// Subscribers receive the current value when they subscribe and the newest
// value after every change. Slow subscribers skip intermediate values; they
// never see deltas.
package observable

import "sync"

// Value holds a snapshot of type T and fans it out to subscribers.
type Value[T any] struct {
	mu          sync.Mutex
	current     T
	subscribers map[int]chan T
	nextID      int
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		current:     initial,
		subscribers: make(map[int]chan T),
	}
}

// Load returns the current snapshot.
func (v *Value[T]) Load() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Store replaces the snapshot and notifies subscribers. The caller must not
// mutate next afterwards.
func (v *Value[T]) Store(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = next
	for _, ch := range v.subscribers {
		offer(ch, next)
	}
}

// Subscribe returns a channel primed with the current snapshot and a cancel
// function that closes it.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	ch := make(chan T, 1)
	ch <- v.current
	v.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

// offer replaces any unread snapshot in ch with next. Must be called with the
// Value lock held so that only one writer touches ch at a time.
func offer[T any](ch chan T, next T) {
	select {
	case ch <- next:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- next
}
