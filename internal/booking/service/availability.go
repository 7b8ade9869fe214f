package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/example/guidebook/internal/booking/domain"
)

// ResolverConfig configures how "today" and name ordering are evaluated.
type ResolverConfig struct {
	Location *time.Location
	Language language.Tag
}

// Resolver answers "who is free on date D". It only reads and never takes a
// slot lock.
type Resolver struct {
	registry *Registry
	calendar *Calendar
	ledger   *Ledger
	clock    domain.Clock
	loc      *time.Location
	lang     language.Tag
}

// NewResolver constructs the availability resolver.
func NewResolver(registry *Registry, calendar *Calendar, ledger *Ledger, clock domain.Clock, cfg ResolverConfig) *Resolver {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Language.IsRoot() {
		cfg.Language = language.English
	}
	return &Resolver{registry: registry, calendar: calendar, ledger: ledger, clock: clock, loc: cfg.Location, lang: cfg.Language}
}

// Today returns the current calendar day in the configured zone.
func (r *Resolver) Today() domain.Date {
	return domain.DateOf(r.clock.Now().In(r.loc))
}

// ParseBookableDate accepts canonical dates that are today or later.
func (r *Resolver) ParseBookableDate(s string) (domain.Date, error) {
	date, err := domain.ParseDate(s)
	if err != nil {
		return domain.Date{}, err
	}
	if date.Before(r.Today()) {
		return domain.Date{}, fmt.Errorf("%w: %s is in the past", domain.ErrInvalidDate, s)
	}
	return date, nil
}

// AvailableFor lists active drivers that are neither blocked nor confirmed
// on date, ordered by name.
func (r *Resolver) AvailableFor(ctx context.Context, date string) ([]domain.Driver, error) {
	ctx, span := tracer.Start(ctx, "availability.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("booking.date", date))
	start := time.Now()

	drivers, err := r.availableFor(ctx, date)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, domain.ErrInvalidInput) {
			result = "invalid"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	availabilityDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return drivers, err
}

func (r *Resolver) availableFor(ctx context.Context, raw string) ([]domain.Driver, error) {
	date, err := r.ParseBookableDate(raw)
	if err != nil {
		return nil, err
	}
	active, err := r.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active drivers: %w", err)
	}
	blocked, err := r.calendar.UnavailableOn(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list unavailable drivers: %w", err)
	}
	booked, err := r.ledger.ConfirmedOn(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list confirmed drivers: %w", err)
	}

	excluded := make(map[uuid.UUID]struct{}, len(blocked)+len(booked))
	for _, id := range blocked {
		excluded[id] = struct{}{}
	}
	for _, id := range booked {
		excluded[id] = struct{}{}
	}
	free := make([]domain.Driver, 0, len(active))
	for _, d := range active {
		if _, skip := excluded[d.ID]; !skip {
			free = append(free, d)
		}
	}
	r.sortByName(free)
	return free, nil
}

// Collators are not safe for concurrent use, so each call builds its own.
func (r *Resolver) sortByName(drivers []domain.Driver) {
	c := collate.New(r.lang)
	sort.SliceStable(drivers, func(i, j int) bool {
		if cmp := c.CompareString(drivers[i].Name, drivers[j].Name); cmp != 0 {
			return cmp < 0
		}
		if drivers[i].Email != drivers[j].Email {
			return drivers[i].Email < drivers[j].Email
		}
		return drivers[i].ID.String() < drivers[j].ID.String()
	})
}

// CheckDriver returns nil when the driver may take a booking on date, or the
// reason it cannot: ErrNotFound, ErrDriverUnavailable or ErrSlotTaken.
func (r *Resolver) CheckDriver(ctx context.Context, driverID uuid.UUID, date domain.Date) error {
	driver, err := r.registry.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if !driver.Active {
		return fmt.Errorf("driver %s inactive: %w", driverID, domain.ErrDriverUnavailable)
	}
	blocked, err := r.calendar.IsUnavailable(ctx, driverID, date)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("driver %s blocked %s: %w", driverID, date, domain.ErrDriverUnavailable)
	}
	taken, err := r.ledger.HasConfirmedBooking(ctx, driverID, date)
	if err != nil {
		return err
	}
	if taken {
		return domain.ErrSlotTaken
	}
	return nil
}

// IsAvailable is CheckDriver reduced to a boolean; lookup and storage
// failures are still returned.
func (r *Resolver) IsAvailable(ctx context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	err := r.CheckDriver(ctx, driverID, date)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrDriverUnavailable), errors.Is(err, domain.ErrSlotTaken):
		return false, nil
	default:
		return false, err
	}
}
