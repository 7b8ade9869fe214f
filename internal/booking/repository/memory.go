package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/guidebook/internal/booking/domain"
)

// MemoryDriverRepository provides an in-memory driver roster suitable for tests and local demos.
type MemoryDriverRepository struct {
	mu      sync.RWMutex
	drivers map[uuid.UUID]domain.Driver
}

// NewMemoryDriverRepository constructs an empty roster.
func NewMemoryDriverRepository() *MemoryDriverRepository {
	return &MemoryDriverRepository{drivers: make(map[uuid.UUID]domain.Driver)}
}

// CreateDriver stores the driver and returns it.
func (m *MemoryDriverRepository) CreateDriver(_ context.Context, driver domain.Driver) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.ID] = driver
	return driver, nil
}

// GetDriver retrieves a driver.
func (m *MemoryDriverRepository) GetDriver(_ context.Context, id uuid.UUID) (domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[id]
	if !ok {
		return domain.Driver{}, fmt.Errorf("driver %s: %w", id, domain.ErrNotFound)
	}
	return driver, nil
}

// ListDrivers returns drivers in creation order.
func (m *MemoryDriverRepository) ListDrivers(_ context.Context, activeOnly bool) ([]domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// SetDriverActive flips the active flag.
func (m *MemoryDriverRepository) SetDriverActive(_ context.Context, id uuid.UUID, active bool) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	driver, ok := m.drivers[id]
	if !ok {
		return domain.Driver{}, fmt.Errorf("driver %s: %w", id, domain.ErrNotFound)
	}
	driver.Active = active
	m.drivers[id] = driver
	return driver, nil
}

// MemoryUnavailabilityRepository keeps blocked days as a set per driver.
type MemoryUnavailabilityRepository struct {
	mu      sync.RWMutex
	blocked map[uuid.UUID]map[domain.Date]struct{}
}

// NewMemoryUnavailabilityRepository constructs an empty calendar.
func NewMemoryUnavailabilityRepository() *MemoryUnavailabilityRepository {
	return &MemoryUnavailabilityRepository{blocked: make(map[uuid.UUID]map[domain.Date]struct{})}
}

func (m *MemoryUnavailabilityRepository) AddUnavailability(_ context.Context, rec domain.UnavailabilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	days, ok := m.blocked[rec.DriverID]
	if !ok {
		days = make(map[domain.Date]struct{})
		m.blocked[rec.DriverID] = days
	}
	days[rec.Date] = struct{}{}
	return nil
}

func (m *MemoryUnavailabilityRepository) RemoveUnavailability(_ context.Context, rec domain.UnavailabilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if days, ok := m.blocked[rec.DriverID]; ok {
		delete(days, rec.Date)
		if len(days) == 0 {
			delete(m.blocked, rec.DriverID)
		}
	}
	return nil
}

func (m *MemoryUnavailabilityRepository) IsUnavailable(_ context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[driverID][date]
	return ok, nil
}

func (m *MemoryUnavailabilityRepository) UnavailableDriverIDs(_ context.Context, date domain.Date) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uuid.UUID
	for driverID, days := range m.blocked {
		if _, ok := days[date]; ok {
			ids = append(ids, driverID)
		}
	}
	return ids, nil
}

func (m *MemoryUnavailabilityRepository) ListUnavailability(_ context.Context, driverID uuid.UUID) ([]domain.Date, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dates := make([]domain.Date, 0, len(m.blocked[driverID]))
	for d := range m.blocked[driverID] {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// Count returns the number of stored records (for tests).
func (m *MemoryUnavailabilityRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, days := range m.blocked {
		n += len(days)
	}
	return n
}

// MemoryBookingRepository stores bookings and maintains the equivalent of a
// unique index on (driver, date) over CONFIRMED rows.
type MemoryBookingRepository struct {
	mu        sync.RWMutex
	bookings  map[uuid.UUID]domain.Booking
	confirmed map[domain.Slot]uuid.UUID
}

// NewMemoryBookingRepository constructs an empty ledger store.
func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{
		bookings:  make(map[uuid.UUID]domain.Booking),
		confirmed: make(map[domain.Slot]uuid.UUID),
	}
}

func (m *MemoryBookingRepository) CreateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	if booking.Status != domain.StatusPending {
		return domain.Booking{}, fmt.Errorf("create booking in status %s: %w", booking.Status, domain.ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[booking.ID] = booking
	return booking, nil
}

func (m *MemoryBookingRepository) GetBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	return booking, nil
}

func (m *MemoryBookingRepository) ListBookings(_ context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if filter.DriverID != nil && (b.DriverID == nil || *b.DriverID != *filter.DriverID) {
			continue
		}
		if filter.Date != nil && b.Date != *filter.Date {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// UpdateBooking replaces a stored booking. Promotion to CONFIRMED is only
// possible through ConfirmBooking.
func (m *MemoryBookingRepository) UpdateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[booking.ID]
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", booking.ID, domain.ErrNotFound)
	}
	if booking.Status == domain.StatusConfirmed && existing.Status != domain.StatusConfirmed {
		return domain.Booking{}, fmt.Errorf("update booking to %s: %w", booking.Status, domain.ErrInvalidTransition)
	}
	if booking.Status != existing.Status && !existing.Status.CanTransitionTo(booking.Status) {
		return domain.Booking{}, fmt.Errorf("update booking from %s to %s: %w", existing.Status, booking.Status, domain.ErrInvalidTransition)
	}
	if existing.Status == domain.StatusConfirmed {
		if slot, ok := existing.Slot(); ok {
			if booking.Status == domain.StatusConfirmed {
				if next, _ := booking.Slot(); next != slot {
					return domain.Booking{}, fmt.Errorf("move confirmed booking: %w", domain.ErrInvalidTransition)
				}
			} else if m.confirmed[slot] == existing.ID {
				delete(m.confirmed, slot)
			}
		}
	}
	m.bookings[booking.ID] = booking
	return booking, nil
}

func (m *MemoryBookingRepository) ConfirmBooking(_ context.Context, id uuid.UUID, at time.Time) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	if booking.Status != domain.StatusPending {
		return domain.Booking{}, fmt.Errorf("confirm booking in status %s: %w", booking.Status, domain.ErrInvalidTransition)
	}
	slot, ok := booking.Slot()
	if !ok {
		return domain.Booking{}, fmt.Errorf("confirm booking without driver: %w", domain.ErrInvalidInput)
	}
	if _, taken := m.confirmed[slot]; taken {
		return domain.Booking{}, domain.ErrSlotTaken
	}
	booking.Status = domain.StatusConfirmed
	booking.ConfirmedAt = &at
	m.bookings[id] = booking
	m.confirmed[slot] = id
	return booking, nil
}

func (m *MemoryBookingRepository) HasConfirmedBooking(_ context.Context, driverID uuid.UUID, date domain.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.confirmed[domain.Slot{DriverID: driverID, Date: date}]
	return ok, nil
}

func (m *MemoryBookingRepository) ConfirmedDriverIDs(_ context.Context, date domain.Date) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uuid.UUID
	for slot := range m.confirmed {
		if slot.Date == date {
			ids = append(ids, slot.DriverID)
		}
	}
	return ids, nil
}
