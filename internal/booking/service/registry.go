package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/booking/domain"
)

// Registry owns driver identity and the active flag.
type Registry struct {
	repo   domain.DriverRepository
	events domain.EventPublisher
	clock  domain.Clock
	logger *zap.Logger
}

// NewRegistry constructs a Registry with the required collaborators.
func NewRegistry(repo domain.DriverRepository, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{repo: repo, events: orNop(events), clock: clock, logger: logger}
}

// Register adds a new active driver.
func (r *Registry) Register(ctx context.Context, name, email string) (domain.Driver, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" || email == "" {
		return domain.Driver{}, fmt.Errorf("name and email are required: %w", domain.ErrInvalidInput)
	}
	driver := domain.Driver{
		ID:        uuid.New(),
		Name:      name,
		Email:     email,
		Active:    true,
		CreatedAt: r.clock.Now().UTC(),
	}
	created, err := r.repo.CreateDriver(ctx, driver)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("register driver: %w", err)
	}
	r.logger.Info("driver registered", zap.String("driver_id", created.ID.String()))
	return created, nil
}

// Get retrieves a driver by identifier.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (domain.Driver, error) {
	return r.repo.GetDriver(ctx, id)
}

// List returns every driver, active or not.
func (r *Registry) List(ctx context.Context) ([]domain.Driver, error) {
	return r.repo.ListDrivers(ctx, false)
}

// ListActive returns drivers eligible for assignment.
func (r *Registry) ListActive(ctx context.Context) ([]domain.Driver, error) {
	return r.repo.ListDrivers(ctx, true)
}

// SetActive toggles the active flag. Setting the current value again is a
// no-op that still succeeds.
func (r *Registry) SetActive(ctx context.Context, id uuid.UUID, active bool) (domain.Driver, error) {
	existing, err := r.repo.GetDriver(ctx, id)
	if err != nil {
		return domain.Driver{}, err
	}
	if existing.Active == active {
		return existing, nil
	}
	updated, err := r.repo.SetDriverActive(ctx, id, active)
	if err != nil {
		return domain.Driver{}, err
	}

	eventType := domain.EventDriverDeactivated
	if active {
		eventType = domain.EventDriverActivated
	}
	publish(ctx, r.events, r.logger, domain.Event{
		Type:      eventType,
		DriverID:  &updated.ID,
		CreatedAt: r.clock.Now().UTC(),
	})
	return updated, nil
}
