package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.payments.<event_type> and
// <prefix>.tickets.<event_type>.
//
// All publish operations are non-fatal. Errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	conn   Conn
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil conn disables publishing.
func NewNotificationPublisher(conn Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Connect dials NATS with reconnect handlers that log through log. An empty
// url returns a nil connection and no error.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// PublishPaymentEvent publishes a payment workflow event.
// Subject: <prefix>.payments.<eventType>
func (p *NotificationPublisher) PublishPaymentEvent(ctx context.Context, eventType string, paymentID, actorID int64, recipients []int64, payload map[string]any) {
	p.publish(ctx, "payments", "payment", eventType, paymentID, actorID, recipients, payload)
}

// PublishTicketEvent publishes a ticket workflow event.
// Subject: <prefix>.tickets.<eventType>
func (p *NotificationPublisher) PublishTicketEvent(ctx context.Context, eventType string, ticketID, actorID int64, recipients []int64, payload map[string]any) {
	p.publish(ctx, "tickets", "ticket", eventType, ticketID, actorID, recipients, payload)
}

func (p *NotificationPublisher) publish(
	ctx context.Context,
	segment, resourceType, eventType string,
	resourceID, actorID int64,
	recipients []int64,
	payload map[string]any,
) {
	if p.conn == nil || len(recipients) == 0 {
		return
	}
	if ctx.Err() != nil {
		p.log.Debug().Str("event_type", eventType).Msg("notification: context done, event dropped")
		return
	}

	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, strconv.FormatInt(r, 10))
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      strconv.FormatInt(actorID, 10),
		Recipients:   ids,
		ResourceType: resourceType,
		ResourceID:   strconv.FormatInt(resourceID, 10),
		IsActionable: true,
		Severity:     "info",
		Category:     "payment_approval",
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", p.prefix, segment, eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Int64("resource_id", resourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("resource_id", resourceID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
