package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/booking/domain"
)

// maxSlotRetries bounds how often Confirm follows a booking whose driver was
// reassigned while it waited for the slot lock.
const maxSlotRetries = 3

// Manager is the only writer of bookings. Confirmations take a per-slot lock
// and re-check the ledger inside it; different slots proceed in parallel.
type Manager struct {
	ledger   *Ledger
	registry *Registry
	calendar *Calendar
	resolver *Resolver
	locker   domain.SlotLocker
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
}

// NewManager constructs the booking transaction manager.
func NewManager(ledger *Ledger, registry *Registry, calendar *Calendar, resolver *Resolver, locker domain.SlotLocker, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ledger:   ledger,
		registry: registry,
		calendar: calendar,
		resolver: resolver,
		locker:   locker,
		events:   orNop(events),
		clock:    clock,
		logger:   logger,
	}
}

// CreateBookingRequest contains the payload of a booking request.
type CreateBookingRequest struct {
	DriverID    *uuid.UUID
	Date        string
	RequestedBy string
}

// Create records a PENDING booking. The driver may be left unassigned.
func (m *Manager) Create(ctx context.Context, req CreateBookingRequest) (domain.Booking, error) {
	date, err := m.resolver.ParseBookableDate(req.Date)
	if err != nil {
		return domain.Booking{}, err
	}
	if req.DriverID != nil {
		if _, err := m.registry.Get(ctx, *req.DriverID); err != nil {
			return domain.Booking{}, err
		}
	}
	created, err := m.ledger.create(ctx, req.DriverID, date, req.RequestedBy, m.now())
	if err != nil {
		return domain.Booking{}, err
	}
	m.emit(ctx, domain.EventBookingCreated, created)
	return created, nil
}

// Assign sets the driver of a PENDING booking.
func (m *Manager) Assign(ctx context.Context, bookingID, driverID uuid.UUID) (domain.Booking, error) {
	if _, err := m.registry.Get(ctx, driverID); err != nil {
		return domain.Booking{}, err
	}
	booking, release, err := m.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	updated, err := m.ledger.assign(ctx, booking, driverID)
	release()
	if err != nil {
		return domain.Booking{}, err
	}
	m.emit(ctx, domain.EventBookingAssigned, updated)
	return updated, nil
}

// lockBooking holds the booking's current slot, if it has one, and returns
// the booking as read under that lock.
func (m *Manager) lockBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, func(), error) {
	booking, err := m.ledger.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	slot, ok := booking.Slot()
	if !ok {
		return booking, func() {}, nil
	}
	release, err := m.locker.Acquire(ctx, slot)
	if err != nil {
		return domain.Booking{}, nil, fmt.Errorf("acquire slot %s: %w", slot.Key(), err)
	}
	current, err := m.ledger.Get(ctx, bookingID)
	if err != nil {
		release()
		return domain.Booking{}, nil, err
	}
	return current, release, nil
}

// Confirm promotes a PENDING booking to CONFIRMED. ErrSlotTaken is a normal
// outcome when another booking already holds the driver for that date.
func (m *Manager) Confirm(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	ctx, span := tracer.Start(ctx, "booking.confirm")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID.String()))
	start := time.Now()

	confirmed, err := m.confirm(ctx, bookingID)
	result := confirmResult(err)
	confirmOutcomes.WithLabelValues(result).Inc()
	confirmDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("booking.result", result))

	switch result {
	case "confirmed":
		m.emit(ctx, domain.EventBookingConfirmed, confirmed)
	case "error":
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("confirm booking failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
	default:
		m.logger.Info("confirm booking rejected", zap.String("booking_id", bookingID.String()), zap.String("result", result), zap.Error(err))
	}
	return confirmed, err
}

func (m *Manager) confirm(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	for attempt := 0; attempt < maxSlotRetries; attempt++ {
		booking, err := m.ledger.Get(ctx, bookingID)
		if err != nil {
			return domain.Booking{}, err
		}
		if booking.Status != domain.StatusPending {
			return domain.Booking{}, fmt.Errorf("confirm booking in status %s: %w", booking.Status, domain.ErrInvalidTransition)
		}
		slot, ok := booking.Slot()
		if !ok {
			return domain.Booking{}, fmt.Errorf("booking %s has no driver: %w", bookingID, domain.ErrInvalidInput)
		}
		confirmed, moved, err := m.confirmInSlot(ctx, bookingID, slot)
		if moved {
			continue
		}
		return confirmed, err
	}
	return domain.Booking{}, fmt.Errorf("booking %s reassigned during confirm: %w", bookingID, domain.ErrInvalidTransition)
}

// confirmInSlot runs the check-then-act sequence under the slot lock. moved
// reports that the booking no longer belongs to slot.
func (m *Manager) confirmInSlot(ctx context.Context, bookingID uuid.UUID, slot domain.Slot) (_ domain.Booking, moved bool, _ error) {
	release, err := m.locker.Acquire(ctx, slot)
	if err != nil {
		return domain.Booking{}, false, fmt.Errorf("acquire slot %s: %w", slot.Key(), err)
	}
	defer release()

	current, err := m.ledger.Get(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, false, err
	}
	if current.Status != domain.StatusPending {
		return domain.Booking{}, false, fmt.Errorf("confirm booking in status %s: %w", current.Status, domain.ErrInvalidTransition)
	}
	if s, ok := current.Slot(); !ok || s != slot {
		return domain.Booking{}, true, nil
	}

	taken, err := m.ledger.HasConfirmedBooking(ctx, slot.DriverID, slot.Date)
	if err != nil {
		return domain.Booking{}, false, err
	}
	if taken {
		return domain.Booking{}, false, domain.ErrSlotTaken
	}
	if err := m.ensureDriverFree(ctx, slot); err != nil {
		return domain.Booking{}, false, err
	}

	confirmed, err := m.ledger.confirm(ctx, bookingID, m.now())
	if err != nil {
		return domain.Booking{}, false, err
	}
	return confirmed, false, nil
}

func (m *Manager) ensureDriverFree(ctx context.Context, slot domain.Slot) error {
	driver, err := m.registry.Get(ctx, slot.DriverID)
	if err != nil {
		return err
	}
	if !driver.Active {
		return fmt.Errorf("driver %s inactive: %w", driver.ID, domain.ErrDriverUnavailable)
	}
	blocked, err := m.calendar.IsUnavailable(ctx, slot.DriverID, slot.Date)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("driver %s blocked %s: %w", driver.ID, slot.Date, domain.ErrDriverUnavailable)
	}
	return nil
}

// Cancel moves a booking to CANCELLED and frees its slot. Cancelling twice
// returns the cancelled booking.
func (m *Manager) Cancel(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	booking, release, err := m.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.Status == domain.StatusCancelled {
		release()
		return booking, nil
	}
	cancelled, err := m.ledger.cancel(ctx, booking, m.now())
	release()
	if err != nil {
		return domain.Booking{}, err
	}
	m.emit(ctx, domain.EventBookingCancelled, cancelled)
	return cancelled, nil
}

// Book creates a booking for driverID on date and confirms it in one call.
// When the confirm fails for any reason, the pending booking it created is
// cancelled so no PENDING request is left behind.
func (m *Manager) Book(ctx context.Context, driverID uuid.UUID, date, requestedBy string) (domain.Booking, error) {
	day, err := m.resolver.ParseBookableDate(date)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := m.resolver.CheckDriver(ctx, driverID, day); err != nil {
		return domain.Booking{}, err
	}
	pending, err := m.Create(ctx, CreateBookingRequest{DriverID: &driverID, Date: date, RequestedBy: requestedBy})
	if err != nil {
		return domain.Booking{}, err
	}
	confirmed, err := m.Confirm(ctx, pending.ID)
	if err != nil {
		// The caller's context may already be done; cleanup still has to run.
		if _, cancelErr := m.Cancel(context.WithoutCancel(ctx), pending.ID); cancelErr != nil {
			m.logger.Warn("cancel orphaned booking failed", zap.String("booking_id", pending.ID.String()), zap.Error(cancelErr))
		}
		return domain.Booking{}, err
	}
	return confirmed, nil
}

func (m *Manager) emit(ctx context.Context, eventType domain.EventType, booking domain.Booking) {
	id := booking.ID
	publish(ctx, m.events, m.logger, domain.Event{
		Type:      eventType,
		BookingID: &id,
		DriverID:  booking.DriverID,
		Date:      booking.Date.String(),
		Payload:   map[string]any{"status": string(booking.Status)},
		CreatedAt: m.now(),
	})
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

func confirmResult(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, domain.ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, domain.ErrDriverUnavailable):
		return "driver_unavailable"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidTransition):
		return "rejected"
	default:
		return "error"
	}
}
