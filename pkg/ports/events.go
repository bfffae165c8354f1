package ports

import (
	"context"

	"github.com/expgrid/dispatchd/pkg/domain"
)

// EventHandler processes a single dispatcher event.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes and subscribes to dispatcher events by topic.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
