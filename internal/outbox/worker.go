package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/guidebook/pkg/events"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_outbox_published_total",
		Help: "Outbox rows relayed to NATS.",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_outbox_failed_total",
		Help: "Outbox rows that exhausted their publish retries.",
	})
	lagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_outbox_lag_seconds",
		Help: "Age of the oldest row relayed in the last batch.",
	})
	purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_outbox_purged_total",
		Help: "Published outbox rows removed after the retention period.",
	})
)

// purgeInterval is how often Run deletes published rows past retention.
const purgeInterval = time.Minute

// WorkerConfig defines tunables for the relay.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// Retention keeps published rows this long; zero keeps them forever.
	Retention time.Duration
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays unpublished booking events from the outbox table to NATS.
// Delivery is at least once; consumers deduplicate on the Nats-Msg-Id
// header.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
	lastPurge time.Time
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	var publisher natsPublisher
	if conn != nil {
		publisher = conn
	}
	return newWorker(db, publisher, logger, cfg)
}

func newWorker(db *sql.DB, publisher natsPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("booking.outbox.worker"),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		w.maybePurge(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type record struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// ProcessOnce relays one batch and returns how many rows were published.
// Rows published before a failure are still marked.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	records, tx, err := w.loadPending(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(records))
	oldest := 0.0
	var publishErr error
	for _, rec := range records {
		if publishErr = w.publishWithRetry(ctx, rec); publishErr != nil {
			break
		}
		ids = append(ids, rec.ID)
		publishedTotal.Inc()
		if lag := time.Since(rec.CreatedAt).Seconds(); lag > oldest {
			oldest = lag
		}
	}
	if len(ids) > 0 {
		lagSeconds.Set(oldest)
	}
	if err := w.markPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.published", len(ids)))
	if publishErr != nil {
		span.RecordError(publishErr)
		span.SetStatus(codes.Error, publishErr.Error())
	}
	return len(ids), publishErr
}

func (w *Worker) loadPending(ctx context.Context) ([]record, *sql.Tx, error) {
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var records []record
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.CreatedAt); err != nil {
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("scan outbox: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return records, tx, nil
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE outbox SET published = true, published_at = now() WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec record) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return fmt.Errorf("outbox record %d missing topic", rec.ID)
	}
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("outbox-%d", rec.ID))
	if i := strings.LastIndexByte(rec.Topic, '.'); i >= 0 {
		msg.Header.Set(events.HeaderEventType, rec.Topic[i+1:])
	}
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
		msg.Header.Set(events.HeaderTraceID, sc.TraceID().String())
	}
	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			failedTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) maybePurge(ctx context.Context) {
	if w.cfg.Retention <= 0 || time.Since(w.lastPurge) < purgeInterval {
		return
	}
	w.lastPurge = time.Now()
	n, err := w.Purge(ctx, time.Now().Add(-w.cfg.Retention))
	if err != nil {
		w.logger.Warn("outbox purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Debug("outbox purged", zap.Int64("rows", n))
	}
}

// Purge deletes published rows relayed before cutoff.
func (w *Worker) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM outbox WHERE published = true AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	purgedTotal.Add(float64(n))
	return n, nil
}
