// Package message carries change notifications about conversation
// messages. Players subscribe by message ID to learn when the message
// that started playback is deleted.
package message

import (
	"sync"
)

// ID identifies a conversation message.
type ID string

// Change describes a change to a message.
type Change struct {
	ID             ID   `json:"id"`
	HasBeenDeleted bool `json:"deleted"`
}

// Handler receives changes. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Change)

// Bus is an in-process publish/subscribe mechanism keyed by message ID.
type Bus struct {
	mu     sync.RWMutex
	subs   map[ID]map[uint64]Handler
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[ID]map[uint64]Handler)}
}

// Subscription is returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel stops delivery. Safe to call more than once and on nil.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn for changes to the message id.
func (b *Bus) Subscribe(id ID, fn Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	key := b.nextID
	if b.subs[id] == nil {
		b.subs[id] = make(map[uint64]Handler)
	}
	b.subs[id][key] = fn
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[id], key)
		if len(b.subs[id]) == 0 {
			delete(b.subs, id)
		}
	}}
}

// Publish delivers c to the subscribers of c.ID and reports how many
// received it.
func (b *Bus) Publish(c Change) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[c.ID]))
	for _, fn := range b.subs[c.ID] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(c)
	}
	return len(handlers)
}

// Subscribers returns the number of subscriptions for id.
func (b *Bus) Subscribers(id ID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[id])
}
