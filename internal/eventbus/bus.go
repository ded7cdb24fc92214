// Package eventbus delivers in-process notifications to registered listeners.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Listener receives one event.
type Listener[T any] func(T)

type subscription[T any] struct {
	id uint64
	fn Listener[T]
}

// Bus is a synchronous publish/subscribe channel for a single event type.
// The zero value is not usable; create one with New.
type Bus[T any] struct {
	name string

	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
}

// New creates an empty bus. The name only appears in log lines.
func New[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn and returns a function removing it. Calling the
// returned function more than once is a no-op.
func (b *Bus[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call, in
// subscription order, on the caller's goroutine. A panicking listener is
// logged and does not stop delivery to the rest.
func (b *Bus[T]) Emit(event T) {
	b.mu.Lock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

// Len reports the number of registered listeners.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus[T]) deliver(s subscription[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked",
				"bus", b.name,
				"listener", s.id,
				"err", fmt.Sprint(r),
			)
		}
	}()
	s.fn(event)
}
