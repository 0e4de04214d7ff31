package telemetry

import "sync"

// Bus is an in-process event source implementing both KeySource and
// PointerSource. Events are delivered synchronously to the handlers
// subscribed at the time of the call.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	keys     map[uint64]func()
	pointers map[uint64]func(Point)
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		keys:     make(map[uint64]func()),
		pointers: make(map[uint64]func(Point)),
	}
}

// SubscribeKeys registers fn for key events.
func (b *Bus) SubscribeKeys(fn func()) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.keys[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.keys, id)
			b.mu.Unlock()
		})
	}
}

// SubscribePointer registers fn for pointer movement events.
func (b *Bus) SubscribePointer(fn func(Point)) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.pointers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.pointers, id)
			b.mu.Unlock()
		})
	}
}

// PressKey emits a key event.
func (b *Bus) PressKey() {
	b.mu.RLock()
	handlers := make([]func(), 0, len(b.keys))
	for _, fn := range b.keys {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn()
	}
}

// MovePointer emits a pointer movement to p.
func (b *Bus) MovePointer(p Point) {
	b.mu.RLock()
	handlers := make([]func(Point), 0, len(b.pointers))
	for _, fn := range b.pointers {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(p)
	}
}

// Subscribers reports the number of registered key and pointer handlers.
func (b *Bus) Subscribers() (keys, pointers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.keys), len(b.pointers)
}
