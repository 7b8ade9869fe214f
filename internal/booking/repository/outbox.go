package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/guidebook/internal/booking/domain"
	"github.com/example/guidebook/pkg/events"
)

// PostgresOutbox records booking events in the outbox table. The outbox
// worker relays unpublished rows to NATS.
type PostgresOutbox struct {
	db     *sql.DB
	prefix string
}

// NewPostgresOutbox builds an outbox writer for the given subject prefix.
func NewPostgresOutbox(db *sql.DB, prefix string) *PostgresOutbox {
	return &PostgresOutbox{db: db, prefix: prefix}
}

// Publish satisfies domain.EventPublisher.
func (o *PostgresOutbox) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := o.db.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, events.Subject(o.prefix, event.Type), payload); err != nil {
		return storageErr("insert outbox", err)
	}
	return nil
}
