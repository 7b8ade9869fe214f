package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/booking/domain"
)

// Calendar tracks whole days on which a driver cannot be assigned,
// independent of bookings.
type Calendar struct {
	repo     domain.UnavailabilityRepository
	registry *Registry
	logger   *zap.Logger
}

// NewCalendar constructs a Calendar.
func NewCalendar(repo domain.UnavailabilityRepository, registry *Registry, logger *zap.Logger) *Calendar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calendar{repo: repo, registry: registry, logger: logger}
}

// IsUnavailable reports whether the driver blocked the date.
func (c *Calendar) IsUnavailable(ctx context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	return c.repo.IsUnavailable(ctx, driverID, date)
}

// Add blocks the date. Adding an existing block is not an error.
func (c *Calendar) Add(ctx context.Context, driverID uuid.UUID, date domain.Date) error {
	if date.IsZero() {
		return fmt.Errorf("date is required: %w", domain.ErrInvalidInput)
	}
	if _, err := c.registry.Get(ctx, driverID); err != nil {
		return err
	}
	if err := c.repo.AddUnavailability(ctx, domain.UnavailabilityRecord{DriverID: driverID, Date: date}); err != nil {
		return fmt.Errorf("add unavailability: %w", err)
	}
	c.logger.Debug("unavailability added", zap.String("driver_id", driverID.String()), zap.Stringer("date", date))
	return nil
}

// Remove unblocks the date; absent records are ignored.
func (c *Calendar) Remove(ctx context.Context, driverID uuid.UUID, date domain.Date) error {
	if err := c.repo.RemoveUnavailability(ctx, domain.UnavailabilityRecord{DriverID: driverID, Date: date}); err != nil {
		return fmt.Errorf("remove unavailability: %w", err)
	}
	return nil
}

// ListForDriver returns the driver's blocked dates in ascending order.
func (c *Calendar) ListForDriver(ctx context.Context, driverID uuid.UUID) ([]domain.Date, error) {
	if _, err := c.registry.Get(ctx, driverID); err != nil {
		return nil, err
	}
	return c.repo.ListUnavailability(ctx, driverID)
}

// UnavailableOn returns the ids of drivers blocked on date.
func (c *Calendar) UnavailableOn(ctx context.Context, date domain.Date) ([]uuid.UUID, error) {
	return c.repo.UnavailableDriverIDs(ctx, date)
}
