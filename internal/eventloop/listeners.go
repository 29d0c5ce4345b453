package eventloop

import (
	"sync"

	"github.com/google/uuid"
)

// Listeners is a concurrency-safe fan-out registry. Listeners are notified in
// registration order.
type Listeners[T any] struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]func(T)
}

// NewListeners creates an empty registry.
func NewListeners[T any]() *Listeners[T] {
	return &Listeners[T]{byID: make(map[string]func(T))}
}

// Add registers fn and returns an idempotent unsubscribe function.
func (l *Listeners[T]) Add(fn func(T)) func() {
	id := uuid.NewString()
	l.mu.Lock()
	l.byID[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; !ok {
		return
	}
	delete(l.byID, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Notify calls every registered listener with v. Listeners run outside the
// registry lock and may unsubscribe themselves.
func (l *Listeners[T]) Notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.byID[id])
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Clear drops every listener.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.order = nil
	l.byID = make(map[string]func(T))
	l.mu.Unlock()
}
