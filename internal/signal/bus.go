package signal

import (
	"encoding/json"
	"sync"
)

// Bus fans one stream of inbound envelopes out to any number of logical
// consumers. There is exactly one transport-level subscription per event
// name no matter how many consumers attach; the Client's read loop calls
// Dispatch and handlers run on that goroutine, preserving the transport's
// FIFO delivery order. Handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]func(json.RawMessage)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]func(json.RawMessage))}
}

// Subscribe attaches fn to the named event and returns a cancel function.
// Cancel is idempotent and safe to call after the bus has dispatched.
func (b *Bus) Subscribe(event string, fn func(json.RawMessage)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := b.nextID
	b.nextID++
	b.handlers[event][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

// Dispatch delivers one envelope to every handler attached to its event.
// Events nobody listens for are dropped silently.
func (b *Bus) Dispatch(env Envelope) {
	b.mu.RLock()
	fns := make([]func(json.RawMessage), 0, len(b.handlers[env.Event]))
	for _, fn := range b.handlers[env.Event] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}
