package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/guidebook/internal/booking/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS drivers (
id UUID PRIMARY KEY,
name TEXT NOT NULL,
email TEXT NOT NULL,
active BOOLEAN NOT NULL DEFAULT TRUE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS driver_unavailability (
driver_id UUID NOT NULL REFERENCES drivers(id),
date DATE NOT NULL,
PRIMARY KEY (driver_id, date)
)`,
	`CREATE TABLE IF NOT EXISTS bookings (
id UUID PRIMARY KEY,
driver_id UUID REFERENCES drivers(id),
date DATE NOT NULL,
status TEXT NOT NULL CHECK (status IN ('PENDING', 'CONFIRMED', 'CANCELLED')),
requested_by TEXT NOT NULL DEFAULT '',
created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
confirmed_at TIMESTAMPTZ,
cancelled_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bookings_confirmed_slot ON bookings (driver_id, date) WHERE status = 'CONFIRMED'`,
	`CREATE INDEX IF NOT EXISTS bookings_date_idx ON bookings (date)`,
	`CREATE TABLE IF NOT EXISTS outbox (
id BIGSERIAL PRIMARY KEY,
topic TEXT NOT NULL,
payload BYTEA NOT NULL,
published BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
published_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (id) WHERE published = false`,
}

// Migrate creates the tables and indexes used by the Postgres stores.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// PostgresDriverRepository stores drivers in Postgres.
type PostgresDriverRepository struct {
	db *sql.DB
}

func NewPostgresDriverRepository(db *sql.DB) *PostgresDriverRepository {
	return &PostgresDriverRepository{db: db}
}

func (r *PostgresDriverRepository) CreateDriver(ctx context.Context, driver domain.Driver) (domain.Driver, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO drivers (id, name, email, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		driver.ID, driver.Name, driver.Email, driver.Active, driver.CreatedAt)
	if err != nil {
		return domain.Driver{}, storageErr("insert driver", err)
	}
	return driver, nil
}

func (r *PostgresDriverRepository) GetDriver(ctx context.Context, id uuid.UUID) (domain.Driver, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, email, active, created_at FROM drivers WHERE id = $1`, id)
	driver, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Driver{}, fmt.Errorf("driver %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Driver{}, storageErr("select driver", err)
	}
	return driver, nil
}

func (r *PostgresDriverRepository) ListDrivers(ctx context.Context, activeOnly bool) ([]domain.Driver, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, email, active, created_at FROM drivers WHERE ($1 = false OR active) ORDER BY created_at, id`, activeOnly)
	if err != nil {
		return nil, storageErr("select drivers", err)
	}
	defer rows.Close()
	var drivers []domain.Driver
	for rows.Next() {
		driver, err := scanDriver(rows)
		if err != nil {
			return nil, storageErr("scan driver", err)
		}
		drivers = append(drivers, driver)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate drivers", err)
	}
	return drivers, nil
}

func (r *PostgresDriverRepository) SetDriverActive(ctx context.Context, id uuid.UUID, active bool) (domain.Driver, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE drivers SET active = $2 WHERE id = $1 RETURNING id, name, email, active, created_at`, id, active)
	driver, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Driver{}, fmt.Errorf("driver %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Driver{}, storageErr("update driver", err)
	}
	return driver, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDriver(s scanner) (domain.Driver, error) {
	var d domain.Driver
	err := s.Scan(&d.ID, &d.Name, &d.Email, &d.Active, &d.CreatedAt)
	return d, err
}

// PostgresUnavailabilityRepository stores blocked days keyed by (driver_id, date).
type PostgresUnavailabilityRepository struct {
	db *sql.DB
}

func NewPostgresUnavailabilityRepository(db *sql.DB) *PostgresUnavailabilityRepository {
	return &PostgresUnavailabilityRepository{db: db}
}

func (r *PostgresUnavailabilityRepository) AddUnavailability(ctx context.Context, rec domain.UnavailabilityRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO driver_unavailability (driver_id, date) VALUES ($1, $2::date) ON CONFLICT DO NOTHING`,
		rec.DriverID, rec.Date.String())
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("driver %s: %w", rec.DriverID, domain.ErrNotFound)
	}
	if err != nil {
		return storageErr("insert unavailability", err)
	}
	return nil
}

func (r *PostgresUnavailabilityRepository) RemoveUnavailability(ctx context.Context, rec domain.UnavailabilityRecord) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM driver_unavailability WHERE driver_id = $1 AND date = $2::date`, rec.DriverID, rec.Date.String())
	if err != nil {
		return storageErr("delete unavailability", err)
	}
	return nil
}

func (r *PostgresUnavailabilityRepository) IsUnavailable(ctx context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM driver_unavailability WHERE driver_id = $1 AND date = $2::date)`,
		driverID, date.String()).Scan(&exists)
	if err != nil {
		return false, storageErr("select unavailability", err)
	}
	return exists, nil
}

func (r *PostgresUnavailabilityRepository) UnavailableDriverIDs(ctx context.Context, date domain.Date) ([]uuid.UUID, error) {
	return queryIDs(ctx, r.db, "select unavailable drivers",
		`SELECT driver_id FROM driver_unavailability WHERE date = $1::date`, date.String())
}

func (r *PostgresUnavailabilityRepository) ListUnavailability(ctx context.Context, driverID uuid.UUID) ([]domain.Date, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT date FROM driver_unavailability WHERE driver_id = $1 ORDER BY date`, driverID)
	if err != nil {
		return nil, storageErr("select unavailability", err)
	}
	defer rows.Close()
	var dates []domain.Date
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, storageErr("scan unavailability", err)
		}
		dates = append(dates, domain.DateOf(t))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate unavailability", err)
	}
	return dates, nil
}

// PostgresBookingRepository stores bookings. The partial unique index
// bookings_confirmed_slot is the authoritative guard against double booking.
type PostgresBookingRepository struct {
	db *sql.DB
}

func NewPostgresBookingRepository(db *sql.DB) *PostgresBookingRepository {
	return &PostgresBookingRepository{db: db}
}

const bookingColumns = `id, driver_id, date, status, requested_by, created_at, confirmed_at, cancelled_at`

func (r *PostgresBookingRepository) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	if booking.Status != domain.StatusPending {
		return domain.Booking{}, fmt.Errorf("create booking in status %s: %w", booking.Status, domain.ErrInvalidTransition)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bookings (id, driver_id, date, status, requested_by, created_at) VALUES ($1, $2, $3::date, $4, $5, $6)`,
		booking.ID, nullUUID(booking.DriverID), booking.Date.String(), string(booking.Status), booking.RequestedBy, booking.CreatedAt)
	if pgCode(err) == pgForeignKeyViolation {
		return domain.Booking{}, fmt.Errorf("driver: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Booking{}, storageErr("insert booking", err)
	}
	return booking, nil
}

func (r *PostgresBookingRepository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	booking, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Booking{}, storageErr("select booking", err)
	}
	return booking, nil
}

func (r *PostgresBookingRepository) ListBookings(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	var date sql.NullString
	if filter.Date != nil {
		date = sql.NullString{String: filter.Date.String(), Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
WHERE ($1::uuid IS NULL OR driver_id = $1)
AND ($2::date IS NULL OR date = $2::date)
AND ($3 = '' OR status = $3)
ORDER BY created_at, id`, nullUUID(filter.DriverID), date, string(filter.Status))
	if err != nil {
		return nil, storageErr("select bookings", err)
	}
	defer rows.Close()
	var bookings []domain.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, storageErr("scan booking", err)
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate bookings", err)
	}
	return bookings, nil
}

// UpdateBooking writes assignment and cancellation changes. It never promotes
// a row to CONFIRMED.
func (r *PostgresBookingRepository) UpdateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	if booking.Status == domain.StatusConfirmed {
		row := r.db.QueryRowContext(ctx, `UPDATE bookings SET requested_by = $2
WHERE id = $1 AND status = 'CONFIRMED' RETURNING `+bookingColumns, booking.ID, booking.RequestedBy)
		return r.finishUpdate(ctx, booking.ID, row)
	}
	row := r.db.QueryRowContext(ctx, `UPDATE bookings
SET driver_id = $2, date = $3::date, status = $4, requested_by = $5, cancelled_at = $6
WHERE id = $1 AND (status = 'PENDING' OR $4 = 'CANCELLED') RETURNING `+bookingColumns,
		booking.ID, nullUUID(booking.DriverID), booking.Date.String(), string(booking.Status), booking.RequestedBy, nullTime(booking.CancelledAt))
	return r.finishUpdate(ctx, booking.ID, row)
}

func (r *PostgresBookingRepository) finishUpdate(ctx context.Context, id uuid.UUID, row *sql.Row) (domain.Booking, error) {
	updated, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetBooking(ctx, id); getErr != nil {
			return domain.Booking{}, getErr
		}
		return domain.Booking{}, fmt.Errorf("update booking %s: %w", id, domain.ErrInvalidTransition)
	}
	if pgCode(err) == pgForeignKeyViolation {
		return domain.Booking{}, fmt.Errorf("driver: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Booking{}, storageErr("update booking", err)
	}
	return updated, nil
}

// ConfirmBooking performs the conditional PENDING to CONFIRMED write. A unique
// violation on bookings_confirmed_slot is reported as ErrSlotTaken.
func (r *PostgresBookingRepository) ConfirmBooking(ctx context.Context, id uuid.UUID, at time.Time) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `UPDATE bookings SET status = 'CONFIRMED', confirmed_at = $2
WHERE id = $1 AND status = 'PENDING' AND driver_id IS NOT NULL RETURNING `+bookingColumns, id, at)
	confirmed, err := scanBooking(row)
	switch {
	case err == nil:
		return confirmed, nil
	case pgCode(err) == pgUniqueViolation:
		return domain.Booking{}, domain.ErrSlotTaken
	case errors.Is(err, sql.ErrNoRows):
		existing, getErr := r.GetBooking(ctx, id)
		if getErr != nil {
			return domain.Booking{}, getErr
		}
		if existing.DriverID == nil {
			return domain.Booking{}, fmt.Errorf("confirm booking without driver: %w", domain.ErrInvalidInput)
		}
		return domain.Booking{}, fmt.Errorf("confirm booking in status %s: %w", existing.Status, domain.ErrInvalidTransition)
	default:
		return domain.Booking{}, storageErr("confirm booking", err)
	}
}

func (r *PostgresBookingRepository) HasConfirmedBooking(ctx context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bookings WHERE driver_id = $1 AND date = $2::date AND status = 'CONFIRMED')`,
		driverID, date.String()).Scan(&exists)
	if err != nil {
		return false, storageErr("select confirmed booking", err)
	}
	return exists, nil
}

func (r *PostgresBookingRepository) ConfirmedDriverIDs(ctx context.Context, date domain.Date) ([]uuid.UUID, error) {
	return queryIDs(ctx, r.db, "select confirmed drivers",
		`SELECT driver_id FROM bookings WHERE date = $1::date AND status = 'CONFIRMED'`, date.String())
}

func scanBooking(s scanner) (domain.Booking, error) {
	var (
		b           domain.Booking
		driverID    uuid.NullUUID
		date        time.Time
		status      string
		confirmedAt sql.NullTime
		cancelledAt sql.NullTime
	)
	if err := s.Scan(&b.ID, &driverID, &date, &status, &b.RequestedBy, &b.CreatedAt, &confirmedAt, &cancelledAt); err != nil {
		return domain.Booking{}, err
	}
	if driverID.Valid {
		id := driverID.UUID
		b.DriverID = &id
	}
	b.Date = domain.DateOf(date)
	b.Status = domain.BookingStatus(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		b.ConfirmedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		b.CancelledAt = &t
	}
	return b, nil
}

func queryIDs(ctx context.Context, db *sql.DB, op, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return ids, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
