// ABOUTME: AMQP relay forwarding persisted event records to a topic exchange
// ABOUTME: Downstream analytics consumers read the stream; delivery failures never roll back operations

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/relaydesk/relaydesk/internal/backend"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Meta is the envelope header carried by every relayed record.
type Meta struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	OccurredAt string `json:"occurred_at"`
}

// Envelope is the JSON body published per event record.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data *Data `json:"data"`
}

// Data carries the record's foreign references. Empty references are
// omitted.
type Data struct {
	ConversationID string `json:"conversation_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	WorkplaceID    string `json:"workplace_id,omitempty"`
	TagName        string `json:"tag_name,omitempty"`
	MessageKind    string `json:"message_kind,omitempty"`
}

// Relay publishes event records to a durable topic exchange with routing
// keys of the form "support.events.<kind>".
type Relay struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// New connects to the broker and declares the exchange.
func New(url, exchange string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	return &Relay{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "eventlog"),
	}, nil
}

// Attach subscribes the relay to the backend's appended-event stream. The
// relay is a non-critical side channel: broker failures are logged locally
// and never propagate into the operation that produced the event.
func (r *Relay) Attach(b *backend.Backend) {
	b.EventAppended.Subscribe(func(ctx context.Context, event *store.Event) error {
		if err := r.publish(ctx, event); err != nil {
			r.logger.Error("failed to relay event", "error", err, "kind", event.Kind, "event_id", event.ID)
		}
		return nil
	})
}

// RoutingKey returns the routing key for an event kind.
func RoutingKey(kind store.EventKind) string {
	return "support.events." + string(kind)
}

func (r *Relay) publish(ctx context.Context, event *store.Event) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(NewEnvelope(event))
	if err != nil {
		return err
	}

	msgID := event.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	return ch.PublishWithContext(
		ctx, r.exchange, RoutingKey(event.Kind), false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// NewEnvelope builds the wire envelope for an event record.
func NewEnvelope(event *store.Event) Envelope {
	return Envelope{
		Meta: Meta{
			ID:         event.ID,
			Kind:       string(event.Kind),
			OccurredAt: event.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Data: &Data{
			ConversationID: event.ConversationID,
			CustomerID:     event.CustomerID,
			AgentID:        event.AgentID,
			WorkplaceID:    event.WorkplaceID,
			TagName:        event.TagName,
			MessageKind:    string(event.MessageKind),
		},
	}
}

// Close closes the broker connection.
func (r *Relay) Close() error {
	return r.conn.Close()
}
