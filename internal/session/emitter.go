package session

import "sync"

// Emitter delivers events to handlers registered through Subscribe. Each
// subscription is removed independently by its unsubscribe func.
type Emitter[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(T)
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{handlers: make(map[uint64]func(T))}
}

func (e *Emitter[T]) Subscribe(handler func(T)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.handlers[id] = handler
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

// Emit calls every handler synchronously on the caller's goroutine.
func (e *Emitter[T]) Emit(event T) {
	e.mu.RLock()
	handlers := make([]func(T), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
