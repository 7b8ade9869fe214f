package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/guidebook/internal/booking/domain"
)

// DefaultSubject is the subject prefix booking events are published under.
const DefaultSubject = "booking.events"

// Header names set on every published message.
const (
	HeaderTraceID   = "x-trace-id"
	HeaderEventType = "x-event-type"
)

// Subject returns the NATS subject for an event type, e.g.
// booking.events.BookingConfirmed.
func Subject(prefix string, eventType domain.EventType) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + "." + string(eventType)
}

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes booking events straight to NATS. It is used when no
// database outbox is configured.
type Publisher struct {
	conn   msgPublisher
	prefix string
}

// NewPublisher builds a Publisher on conn. A nil conn yields a Publisher
// that drops events.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	if conn == nil {
		return &Publisher{prefix: prefix}
	}
	return newPublisher(conn, prefix)
}

func newPublisher(conn msgPublisher, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, event.Type))
	msg.Data = payload
	msg.Header.Set(HeaderEventType, string(event.Type))
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set(HeaderTraceID, id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
