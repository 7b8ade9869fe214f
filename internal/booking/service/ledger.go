package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/guidebook/internal/booking/domain"
)

// Ledger exposes booking reads. Its mutators are unexported so that every
// write goes through the Manager.
type Ledger struct {
	repo domain.BookingRepository
}

// NewLedger wraps a booking repository.
func NewLedger(repo domain.BookingRepository) *Ledger {
	return &Ledger{repo: repo}
}

// HasConfirmedBooking reports whether the slot is already taken.
func (l *Ledger) HasConfirmedBooking(ctx context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	return l.repo.HasConfirmedBooking(ctx, driverID, date)
}

// ConfirmedOn returns the ids of drivers holding a confirmed booking on date.
func (l *Ledger) ConfirmedOn(ctx context.Context, date domain.Date) ([]uuid.UUID, error) {
	return l.repo.ConfirmedDriverIDs(ctx, date)
}

// Get retrieves a booking by identifier.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return l.repo.GetBooking(ctx, id)
}

// List returns bookings matching filter ordered by creation time.
func (l *Ledger) List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	return l.repo.ListBookings(ctx, filter)
}

func (l *Ledger) create(ctx context.Context, driverID *uuid.UUID, date domain.Date, requestedBy string, at time.Time) (domain.Booking, error) {
	booking := domain.Booking{
		ID:          uuid.New(),
		DriverID:    driverID,
		Date:        date,
		Status:      domain.StatusPending,
		RequestedBy: requestedBy,
		CreatedAt:   at,
	}
	created, err := l.repo.CreateBooking(ctx, booking)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("create booking: %w", err)
	}
	return created, nil
}

func (l *Ledger) assign(ctx context.Context, booking domain.Booking, driverID uuid.UUID) (domain.Booking, error) {
	if booking.Status != domain.StatusPending {
		return domain.Booking{}, fmt.Errorf("assign booking in status %s: %w", booking.Status, domain.ErrInvalidTransition)
	}
	booking.DriverID = &driverID
	return l.repo.UpdateBooking(ctx, booking)
}

// confirm is the storage-level conditional write; it is only called while
// the slot lock is held.
func (l *Ledger) confirm(ctx context.Context, id uuid.UUID, at time.Time) (domain.Booking, error) {
	return l.repo.ConfirmBooking(ctx, id, at)
}

func (l *Ledger) cancel(ctx context.Context, booking domain.Booking, at time.Time) (domain.Booking, error) {
	if !booking.Status.CanTransitionTo(domain.StatusCancelled) {
		return domain.Booking{}, fmt.Errorf("cancel booking in status %s: %w", booking.Status, domain.ErrInvalidTransition)
	}
	booking.Status = domain.StatusCancelled
	booking.CancelledAt = &at
	return l.repo.UpdateBooking(ctx, booking)
}
