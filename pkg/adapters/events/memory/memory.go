package memory

import (
	"context"
	"sync"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// EventBus implements ports.EventBus with in-process handlers. Used in
// tests and single-node deployments.
type EventBus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
}

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// NewEventBus creates a new in-memory event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Publish delivers the event to every subscriber of the topic. Handlers
// run asynchronously; a slow subscriber cannot stall the publisher.
func (e *EventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(e.subscribers[topic]))
	for _, s := range e.subscribers[topic] {
		handlers = append(handlers, s.handler)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		go func(h ports.EventHandler) {
			_ = h(ctx, event)
		}(handler)
	}
	return nil
}

// Subscribe registers a handler for a topic. A cancellable ctx bounds the
// subscription: short-lived subscribers, one per WebSocket connection,
// are removed when their context ends.
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			e.remove(topic, id)
		}()
	}
	return nil
}

// SubscriberCount reports the number of handlers registered for a topic.
func (e *EventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

func (e *EventBus) remove(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			e.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(e.subscribers[topic]) == 0 {
		delete(e.subscribers, topic)
	}
}

// Unsubscribe removes all subscriptions from a topic.
func (e *EventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, topic)
	return nil
}

// Close drops all subscribers.
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}
