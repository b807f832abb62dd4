// Package eventbus publishes migration lifecycle events over a message
// transport. The in-memory channel serves single-host runs and tests; kafka
// serves deployments where other systems watch migrations happen.
package eventbus

import (
	"context"

	"github.com/flowferry/flowferry/pkg/events"
)

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	Publish(ctx context.Context, key string, event events.Event) error
	Handle(eventType events.EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
	GenerateID() string
	Close() error
}
