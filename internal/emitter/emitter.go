// Package emitter provides the publish/subscribe primitive shared by every store.
//
// An Emitter holds a set of listener callbacks. Emit delivers a value to every
// listener registered at the time of the call, in registration order. Subscribe
// returns an unsubscribe function that is safe to call any number of times.
package emitter

import (
	"sync"
)

// Listener receives emitted values.
type Listener[T any] func(T)

// Emitter is a set of listeners plus Emit.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	order     []uint64
	listeners map[uint64]Listener[T]
}

// New creates an empty Emitter.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter[T]) Subscribe(fn Listener[T]) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[uint64]Listener[T])
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.listeners[id]; !ok {
		return
	}
	delete(e.listeners, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit calls every current listener with v.
// Listeners run on the caller's goroutine, outside the emitter's lock.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]Listener[T], 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}
