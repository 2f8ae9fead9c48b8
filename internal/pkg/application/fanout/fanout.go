package fanout

import (
	"sync"
)

type Callback func(payload any)

// Hub is the in process publish/subscribe half of the fan out manager.
// It distributes one event to every callback registered for its type,
// synchronously and in registration order, independent of whatever
// native change notification the store offers.
//
// Hubs are constructed explicitly and injected, never shared through
// package level state, so tests can run isolated instances.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string][]*subscription
	nextID      int
}

type subscription struct {
	id       int
	callback Callback
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[string][]*subscription{},
	}
}

// Subscribe registers a callback for an event type and returns a cancel
// func that removes exactly this one registration. Callers must cancel
// when no longer interested or the subscription lives until process
// exit.
func (h *Hub) Subscribe(eventType string, callback Callback) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscription{id: h.nextID, callback: callback}
	h.subscribers[eventType] = append(h.subscribers[eventType], sub)

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		subs := h.subscribers[eventType]
		for i, candidate := range subs {
			if candidate.id == sub.id {
				h.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish invokes every callback currently registered for the event
// type, in the order they subscribed, passing payload unchanged.
// Publishing to a type with zero subscribers is a silent no-op.
func (h *Hub) Publish(eventType string, payload any) {
	h.mu.Lock()
	subs := append([]*subscription{}, h.subscribers[eventType]...)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.callback(payload)
	}
}

func (h *Hub) SubscriberCount(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subscribers[eventType])
}
