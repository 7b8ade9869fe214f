package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/guidebook/internal/booking/domain"
	"github.com/example/guidebook/internal/booking/lock"
	"github.com/example/guidebook/internal/booking/repository"
	"github.com/example/guidebook/internal/booking/service"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (s *stubPublisher) Publish(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *stubPublisher) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	registry  *service.Registry
	calendar  *service.Calendar
	ledger    *service.Ledger
	resolver  *service.Resolver
	manager   *service.Manager
	locker    *lock.KeyedLocker
	blocked   *repository.MemoryUnavailabilityRepository
	publisher *stubPublisher
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	return newFixtureWithBookings(t, now, repository.NewMemoryBookingRepository())
}

func newFixtureWithBookings(t *testing.T, now time.Time, bookings domain.BookingRepository) *fixture {
	t.Helper()
	clock := stubClock{t: now}
	publisher := &stubPublisher{}
	blocked := repository.NewMemoryUnavailabilityRepository()
	locker := lock.NewKeyedLocker()

	registry := service.NewRegistry(repository.NewMemoryDriverRepository(), publisher, clock, nil)
	calendar := service.NewCalendar(blocked, registry, nil)
	ledger := service.NewLedger(bookings)
	resolver := service.NewResolver(registry, calendar, ledger, clock, service.ResolverConfig{Location: time.UTC})
	manager := service.NewManager(ledger, registry, calendar, resolver, locker, publisher, clock, nil)
	return &fixture{
		registry:  registry,
		calendar:  calendar,
		ledger:    ledger,
		resolver:  resolver,
		manager:   manager,
		locker:    locker,
		blocked:   blocked,
		publisher: publisher,
	}
}

// failingConfirms fails the next n confirms with a storage error.
type failingConfirms struct {
	*repository.MemoryBookingRepository
	mu sync.Mutex
	n  int
}

func (f *failingConfirms) ConfirmBooking(ctx context.Context, id uuid.UUID, at time.Time) (domain.Booking, error) {
	f.mu.Lock()
	fail := f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if fail {
		return domain.Booking{}, fmt.Errorf("confirm booking %s: connection reset: %w", id, domain.ErrStorage)
	}
	return f.MemoryBookingRepository.ConfirmBooking(ctx, id, at)
}

func day(t *testing.T, s string) domain.Date {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return d
}

func ids(drivers []domain.Driver) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d.ID)
	}
	return out
}

func TestAvailabilityFollowsCalendarAndLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))

	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	free, err := f.resolver.AvailableFor(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a.ID}, ids(free))

	require.NoError(t, f.calendar.Add(ctx, a.ID, day(t, "2025-06-01")))
	free, err = f.resolver.AvailableFor(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Empty(t, free)

	require.NoError(t, f.calendar.Remove(ctx, a.ID, day(t, "2025-06-01")))
	booking, err := f.manager.Book(ctx, a.ID, "2025-06-01", "member-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, booking.Status)

	free, err = f.resolver.AvailableFor(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Empty(t, free)
	ok, err := f.resolver.IsAvailable(ctx, a.ID, day(t, "2025-06-01"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.manager.Cancel(ctx, booking.ID)
	require.NoError(t, err)
	free, err = f.resolver.AvailableFor(ctx, "2025-06-01")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a.ID}, ids(free))
}

func TestAvailabilityExcludesInactiveAndSortsByName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))

	zoe, err := f.registry.Register(ctx, "Zoë", "zoe@example.com")
	require.NoError(t, err)
	bob, err := f.registry.Register(ctx, "bob", "bob@example.com")
	require.NoError(t, err)
	amy, err := f.registry.Register(ctx, "Amy", "amy@example.com")
	require.NoError(t, err)
	gone, err := f.registry.Register(ctx, "Aaron", "aaron@example.com")
	require.NoError(t, err)
	_, err = f.registry.SetActive(ctx, gone.ID, false)
	require.NoError(t, err)

	free, err := f.resolver.AvailableFor(ctx, "2025-06-02")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{amy.ID, bob.ID, zoe.ID}, ids(free))
}

func TestAvailabilityRejectsBadDates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 23, 30, 0, 0, time.UTC))
	_, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	for _, raw := range []string{"2020-01-01", "2025-05-19", "2025-6-1", "2025-02-30", "", "tomorrow"} {
		_, err := f.resolver.AvailableFor(ctx, raw)
		require.ErrorIs(t, err, domain.ErrInvalidInput, raw)
	}

	free, err := f.resolver.AvailableFor(ctx, "2025-05-20")
	require.NoError(t, err)
	require.Len(t, free, 1)
}

func TestTodayUsesConfiguredZone(t *testing.T) {
	tehran, err := time.LoadLocation("Asia/Tehran")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	clock := stubClock{t: time.Date(2025, 5, 20, 22, 0, 0, 0, time.UTC)}
	registry := service.NewRegistry(repository.NewMemoryDriverRepository(), nil, clock, nil)
	calendar := service.NewCalendar(repository.NewMemoryUnavailabilityRepository(), registry, nil)
	ledger := service.NewLedger(repository.NewMemoryBookingRepository())
	resolver := service.NewResolver(registry, calendar, ledger, clock, service.ResolverConfig{Location: tehran})

	require.Equal(t, day(t, "2025-05-21"), resolver.Today())
	_, err = resolver.ParseBookableDate("2025-05-20")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCalendarAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, f.calendar.Add(ctx, a.ID, day(t, "2025-06-01")))
	require.NoError(t, f.calendar.Add(ctx, a.ID, day(t, "2025-06-01")))
	require.Equal(t, 1, f.blocked.Count())

	require.ErrorIs(t, f.calendar.Add(ctx, uuid.New(), day(t, "2025-06-01")), domain.ErrNotFound)
	require.ErrorIs(t, f.calendar.Add(ctx, a.ID, domain.Date{}), domain.ErrInvalidInput)

	dates, err := f.calendar.ListForDriver(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, []domain.Date{day(t, "2025-06-01")}, dates)
}

func TestConcurrentConfirmsYieldSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	const n = 16
	pending := make([]domain.Booking, n)
	for i := range pending {
		pending[i], err = f.manager.Create(ctx, service.CreateBookingRequest{DriverID: &a.ID, Date: "2025-06-01"})
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.manager.Confirm(ctx, pending[i].ID)
		}(i)
	}
	close(start)
	wg.Wait()

	wins, taken := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrSlotTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, n-1, taken)

	confirmed, err := f.ledger.List(ctx, domain.BookingFilter{DriverID: &a.ID, Status: domain.StatusConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
}

func TestCancelFreesSlotForReconfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	first, err := f.manager.Book(ctx, a.ID, "2025-06-01", "member-1")
	require.NoError(t, err)

	second, err := f.manager.Create(ctx, service.CreateBookingRequest{DriverID: &a.ID, Date: "2025-06-01"})
	require.NoError(t, err)
	_, err = f.manager.Confirm(ctx, second.ID)
	require.ErrorIs(t, err, domain.ErrSlotTaken)

	cancelled, err := f.manager.Cancel(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	again, err := f.manager.Cancel(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, again.Status)

	confirmed, err := f.manager.Confirm(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, confirmed.Status)

	_, err = f.manager.Confirm(ctx, first.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestConfirmRejectsUnavailableDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	pending, err := f.manager.Create(ctx, service.CreateBookingRequest{DriverID: &a.ID, Date: "2025-06-01"})
	require.NoError(t, err)
	require.NoError(t, f.calendar.Add(ctx, a.ID, day(t, "2025-06-01")))

	_, err = f.manager.Confirm(ctx, pending.ID)
	require.ErrorIs(t, err, domain.ErrDriverUnavailable)

	require.NoError(t, f.calendar.Remove(ctx, a.ID, day(t, "2025-06-01")))
	_, err = f.registry.SetActive(ctx, a.ID, false)
	require.NoError(t, err)
	_, err = f.manager.Confirm(ctx, pending.ID)
	require.ErrorIs(t, err, domain.ErrDriverUnavailable)
}

func TestConfirmWithoutDriverIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))

	pending, err := f.manager.Create(ctx, service.CreateBookingRequest{Date: "2025-06-01"})
	require.NoError(t, err)
	require.Nil(t, pending.DriverID)

	_, err = f.manager.Confirm(ctx, pending.ID)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.manager.Confirm(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAssignThenConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	pending, err := f.manager.Create(ctx, service.CreateBookingRequest{Date: "2025-06-01", RequestedBy: "member-1"})
	require.NoError(t, err)

	_, err = f.manager.Assign(ctx, pending.ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)

	assigned, err := f.manager.Assign(ctx, pending.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, *assigned.DriverID)

	confirmed, err := f.manager.Confirm(ctx, pending.ID)
	require.NoError(t, err)
	require.NotNil(t, confirmed.ConfirmedAt)

	_, err = f.manager.Assign(ctx, pending.ID, a.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.Equal(t, []domain.EventType{
		domain.EventBookingCreated,
		domain.EventBookingAssigned,
		domain.EventBookingConfirmed,
	}, f.publisher.types())
}

func TestBookCancelsLosingBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	_, err = f.manager.Book(ctx, a.ID, "2025-06-01", "member-1")
	require.NoError(t, err)

	_, err = f.manager.Book(ctx, a.ID, "2025-06-01", "member-2")
	require.ErrorIs(t, err, domain.ErrSlotTaken)

	_, err = f.manager.Book(ctx, a.ID, "2020-01-01", "member-2")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	pending, err := f.ledger.List(ctx, domain.BookingFilter{DriverID: &a.ID, Status: domain.StatusPending})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestStorageFailureReleasesSlot(t *testing.T) {
	ctx := context.Background()
	bookings := &failingConfirms{MemoryBookingRepository: repository.NewMemoryBookingRepository(), n: 1}
	f := newFixtureWithBookings(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC), bookings)
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	pending, err := f.manager.Create(ctx, service.CreateBookingRequest{DriverID: &a.ID, Date: "2025-06-01", RequestedBy: "member-1"})
	require.NoError(t, err)

	_, err = f.manager.Confirm(ctx, pending.ID)
	require.ErrorIs(t, err, domain.ErrStorage)
	require.Zero(t, f.locker.Len())

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	confirmed, err := f.manager.Confirm(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, confirmed.Status)
}

func TestBookCancelsPendingOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	bookings := &failingConfirms{MemoryBookingRepository: repository.NewMemoryBookingRepository(), n: 1}
	f := newFixtureWithBookings(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC), bookings)
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	_, err = f.manager.Book(ctx, a.ID, "2025-06-01", "member-1")
	require.ErrorIs(t, err, domain.ErrStorage)
	require.Zero(t, f.locker.Len())

	pending, err := f.ledger.List(ctx, domain.BookingFilter{DriverID: &a.ID, Status: domain.StatusPending})
	require.NoError(t, err)
	require.Empty(t, pending)
	cancelled, err := f.ledger.List(ctx, domain.BookingFilter{DriverID: &a.ID, Status: domain.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, "member-1", cancelled[0].RequestedBy)

	booking, err := f.manager.Book(ctx, a.ID, "2025-06-01", "member-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, booking.Status)
}

func TestSetActiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := f.registry.SetActive(ctx, a.ID, false)
		require.NoError(t, err)
		require.False(t, d.Active)
	}
	require.Equal(t, []domain.EventType{domain.EventDriverDeactivated}, f.publisher.types())

	active, err := f.registry.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = f.registry.SetActive(ctx, uuid.New(), true)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.registry.Register(ctx, " ", "x@example.com")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	f.publisher.err = errors.New("broker down")
	a, err := f.registry.Register(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)

	booking, err := f.manager.Book(ctx, a.ID, "2025-06-01", "member-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, booking.Status)
}
