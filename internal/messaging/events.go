package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/whisper/kvsessions/internal/sessionid"
)

// EventBus publishes session events for the other nodes and delivers theirs.
// It implements sessionid.Broadcaster.
type EventBus struct {
	client  *NATSClient
	subject string
	logger  *slog.Logger
}

// NewEventBus returns a bus on SubjectSessionEvents, or on
// SubjectSessionEvents.<cluster> when cluster is set.
func NewEventBus(client *NATSClient, cluster string, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	subject := SubjectSessionEvents
	if cluster != "" {
		subject += "." + cluster
	}
	return &EventBus{client: client, subject: subject, logger: logger.With("component", "eventbus")}
}

// Subject returns the NATS subject the bus uses.
func (b *EventBus) Subject() string { return b.subject }

// Publish sends ev to every node.
func (b *EventBus) Publish(_ context.Context, ev sessionid.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(b.subject, data)
}

// Subscribe delivers every well-formed event received to handler. Malformed
// messages are logged and dropped.
func (b *EventBus) Subscribe(ctx context.Context, handler func(context.Context, sessionid.Event)) error {
	return b.client.Subscribe(b.subject, func(msg *nats.Msg) {
		ev, err := DecodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed event", "error", err)
			return
		}
		handler(ctx, ev)
	})
}

// Close stops delivering events.
func (b *EventBus) Close() error {
	return b.client.Unsubscribe(b.subject)
}

// EncodeEvent serializes ev as JSON.
func EncodeEvent(ev sessionid.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses and validates a JSON event.
func DecodeEvent(data []byte) (sessionid.Event, error) {
	var ev sessionid.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return sessionid.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" {
		return sessionid.Event{}, errors.New("decode event: missing id")
	}
	switch ev.Type {
	case sessionid.EventInvalidate, sessionid.EventExpire:
	case sessionid.EventRenew:
		if ev.NewID == "" {
			return sessionid.Event{}, errors.New("decode event: renew without new_id")
		}
	default:
		return sessionid.Event{}, fmt.Errorf("decode event: unknown type %q", ev.Type)
	}
	return ev, nil
}
