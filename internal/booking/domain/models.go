package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidDate       = fmt.Errorf("%w: date must be YYYY-MM-DD and not before today", ErrInvalidInput)
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrSlotTaken         = errors.New("SlotTaken")
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrDriverUnavailable = errors.New("driver unavailable on date")
	ErrStorage           = errors.New("storage failure")
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "PENDING"
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCancelled BookingStatus = "CANCELLED"
)

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled},
}

// CanTransitionTo reports whether a booking in status s may move to next.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Driver is a guide that can be assigned to bookings. Drivers are never
// deleted so booking history keeps pointing at a valid row.
type Driver struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UnavailabilityRecord struct {
	DriverID uuid.UUID `json:"driver_id"`
	Date     Date      `json:"date"`
}

type Booking struct {
	ID          uuid.UUID     `json:"id"`
	DriverID    *uuid.UUID    `json:"driver_id,omitempty"`
	Date        Date          `json:"date"`
	Status      BookingStatus `json:"status"`
	RequestedBy string        `json:"requested_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
}

// Slot returns the booking's (driver, date) pair. ok is false while no driver
// has been assigned.
func (b Booking) Slot() (Slot, bool) {
	if b.DriverID == nil {
		return Slot{}, false
	}
	return Slot{DriverID: *b.DriverID, Date: b.Date}, true
}

// Slot is the unit of mutual exclusion for confirmations.
type Slot struct {
	DriverID uuid.UUID
	Date     Date
}

func (s Slot) Key() string {
	return s.DriverID.String() + ":" + s.Date.String()
}

type BookingFilter struct {
	DriverID *uuid.UUID
	Date     *Date
	Status   BookingStatus
}

type EventType string

const (
	EventBookingCreated    EventType = "BookingCreated"
	EventBookingAssigned   EventType = "BookingAssigned"
	EventBookingConfirmed  EventType = "BookingConfirmed"
	EventBookingCancelled  EventType = "BookingCancelled"
	EventDriverActivated   EventType = "DriverActivated"
	EventDriverDeactivated EventType = "DriverDeactivated"
)

type Event struct {
	Type      EventType      `json:"type"`
	BookingID *uuid.UUID     `json:"booking_id,omitempty"`
	DriverID  *uuid.UUID     `json:"driver_id,omitempty"`
	Date      string         `json:"date,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type DriverRepository interface {
	CreateDriver(ctx context.Context, driver Driver) (Driver, error)
	GetDriver(ctx context.Context, id uuid.UUID) (Driver, error)
	ListDrivers(ctx context.Context, activeOnly bool) ([]Driver, error)
	SetDriverActive(ctx context.Context, id uuid.UUID, active bool) (Driver, error)
}

type UnavailabilityRepository interface {
	AddUnavailability(ctx context.Context, rec UnavailabilityRecord) error
	RemoveUnavailability(ctx context.Context, rec UnavailabilityRecord) error
	IsUnavailable(ctx context.Context, driverID uuid.UUID, date Date) (bool, error)
	UnavailableDriverIDs(ctx context.Context, date Date) ([]uuid.UUID, error)
	ListUnavailability(ctx context.Context, driverID uuid.UUID) ([]Date, error)
}

// BookingRepository stores bookings. ConfirmBooking must refuse to create a
// second CONFIRMED row for the same slot and report ErrSlotTaken when it does.
type BookingRepository interface {
	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	UpdateBooking(ctx context.Context, booking Booking) (Booking, error)
	ConfirmBooking(ctx context.Context, id uuid.UUID, at time.Time) (Booking, error)
	HasConfirmedBooking(ctx context.Context, driverID uuid.UUID, date Date) (bool, error)
	ConfirmedDriverIDs(ctx context.Context, date Date) ([]uuid.UUID, error)
}

// SlotLocker serializes work on a slot. The returned release func must be
// called exactly once; calling it more than once is harmless.
type SlotLocker interface {
	Acquire(ctx context.Context, slot Slot) (release func(), err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type Clock interface {
	Now() time.Time
}

// SystemClock reports wall time in the process's local zone.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
