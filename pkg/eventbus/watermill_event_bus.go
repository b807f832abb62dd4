package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowferry/flowferry/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) {
	eb.subscriptions[eventType] = handler
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()

				continue
			}

			event := decodeEvent(eventType, msg.Payload)
			if event == nil {
				msg.Ack()

				continue
			}

			if err := handler(ctx, event); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}

func decodeEvent(eventType events.EventType, payload []byte) any {
	var event any

	switch eventType {
	case events.ExportStartedEvent:
		event = &events.ExportStarted{}
	case events.ExportCompletedEvent:
		event = &events.ExportCompleted{}
	case events.ExportFailedEvent:
		event = &events.ExportFailed{}
	case events.SnapshotCreatedEvent:
		event = &events.SnapshotCreated{}
	case events.ImportStateChangedEvent:
		event = &events.ImportStateChanged{}
	case events.ImportCompletedEvent:
		event = &events.ImportCompleted{}
	case events.ImportFailedEvent:
		event = &events.ImportFailed{}
	case events.KeySynchronizedEvent:
		event = &events.KeySynchronized{}
	default:
		return nil
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil
	}

	return event
}
