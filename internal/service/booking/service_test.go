package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/internal/service/matching"
	"github.com/gocomet/logistics-dispatch/internal/service/notification"
	"github.com/gocomet/logistics-dispatch/internal/service/pricing"
	"github.com/gocomet/logistics-dispatch/internal/service/tracking"
	"github.com/gocomet/logistics-dispatch/internal/storage"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

var (
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pickup  = geo.Point{Lat: 37.7749, Lon: -122.4194}
	dropoff = geo.Point{Lat: 37.8044, Lon: -122.2712}
)

type notice struct {
	kind string
	id   string
	ev   notification.Event
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (r *recordingNotifier) NotifyDriver(_ context.Context, id string, ev notification.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{"driver", id, ev})
}

func (r *recordingNotifier) NotifyUser(_ context.Context, id string, ev notification.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{"user", id, ev})
}

func (r *recordingNotifier) NotifyWatchers(_ context.Context, bookingID string, ev notification.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{"watchers", bookingID, ev})
}

func (r *recordingNotifier) all() []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notice(nil), r.notices...)
}

// flakyRepo fails SaveBooking for bookings failOn selects.
type flakyRepo struct {
	booking.Repository
	failOn func(b *booking.Booking) bool
}

func (f *flakyRepo) SaveBooking(ctx context.Context, b *booking.Booking) error {
	if f.failOn != nil && f.failOn(b) {
		return storage.ErrUnavailable
	}
	return f.Repository.SaveBooking(ctx, b)
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]time.Time
	err  error
}

func (f *fakeScheduler) Schedule(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.jobs == nil {
		f.jobs = make(map[string]time.Time)
	}
	f.jobs[id] = at
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	repo     *flakyRepo
	registry *tracking.Registry
	notifier *recordingNotifier
	bus      *messaging.MemoryBus
	sched    *fakeScheduler
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	grid := geo.NewH3Grid(geo.Resolution)
	idx := geo.NewMemoryIndex(grid)

	f := &fixture{
		store:    storage.NewMemoryStore(),
		registry: tracking.NewRegistry(idx, grid, log, tracking.WithClock(func() time.Time { return t0 })),
		notifier: &recordingNotifier{},
		bus:      messaging.NewMemoryBus(log, 64),
		sched:    &fakeScheduler{},
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	f.repo = &flakyRepo{Repository: f.store}

	matcher := matching.NewService(idx, grid, f.registry, matching.NewStoreMaintenance(f.store), log, nil, matching.Config{})
	prices := pricing.NewService(nil, grid, nil, pricing.DefaultConfig())
	machine := NewMachine(f.repo, f.registry, f.bus, f.notifier, nil, log).WithClock(func() time.Time { return t0 })

	f.service = NewService(f.repo, machine, matcher, f.registry, prices.Price, nil, grid, nil, log).
		WithClock(func() time.Time { return t0 })
	f.service.SetScheduler(f.sched)
	return f
}

func (f *fixture) addDriver(t *testing.T, id string, p geo.Point) {
	t.Helper()
	_, err := f.registry.ReportLocation(context.Background(), tracking.Report{
		DriverID:    id,
		Latitude:    p.Lat,
		Longitude:   p.Lon,
		VehicleType: driver.VehicleVan,
		IsAvailable: true,
		Timestamp:   t0,
	})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, id string) bool {
	t.Helper()
	rec, ok := f.registry.Get(id)
	require.True(t, ok)
	return rec.IsAvailable
}

func request() CreateRequest {
	return CreateRequest{UserID: "u1", Pickup: pickup, Dropoff: dropoff, VehicleType: driver.VehicleVan}
}

func TestCreate_ImmediateConfirmsNearestDriver(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)

	res, err := f.service.Create(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, ResultConfirmed, res.Kind)
	assert.Equal(t, "d1", res.DriverID)
	assert.Equal(t, booking.StatusConfirmed, res.Booking.Status)
	assert.Greater(t, res.Booking.Price, 0.0)
	assert.False(t, f.available(t, "d1"))

	stored, err := f.store.GetBooking(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", stored.AssignedDriver())
	assert.Equal(t, 2, stored.Version)

	var assigned, userUpdates, watcherUpdates int
	for _, n := range f.notifier.all() {
		switch {
		case n.kind == "driver" && n.ev.Type == notification.EventBookingAssigned:
			assigned++
			payload := n.ev.Data.(notification.Assignment)
			assert.Equal(t, res.Booking.ID, payload.BookingID)
			assert.Equal(t, pickup, payload.Pickup)
		case n.kind == "user" && n.ev.Type == notification.EventBookingStatusChanged:
			userUpdates++
		case n.kind == "watchers":
			watcherUpdates++
			assert.Equal(t, res.Booking.ID, n.id)
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, userUpdates)
	assert.Equal(t, 1, watcherUpdates)
}

func TestCreate_NoDriverCancels(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.Create(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, ResultNoDriver, res.Kind)
	assert.Equal(t, booking.StatusCancelled, res.Booking.Status)
	assert.Equal(t, matching.ErrNoDriverAvailable.Error(), res.Booking.CancelReason)
	assert.Nil(t, res.Booking.DriverID)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	past := t0.Add(-time.Minute)

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		want   error
	}{
		{"missing user", func(r *CreateRequest) { r.UserID = "" }, booking.ErrMissingUser},
		{"bad pickup", func(r *CreateRequest) { r.Pickup.Lat = 91 }, driver.ErrInvalidCoordinates},
		{"bad dropoff", func(r *CreateRequest) { r.Dropoff.Lon = -181 }, driver.ErrInvalidCoordinates},
		{"bad vehicle", func(r *CreateRequest) { r.VehicleType = "bike" }, driver.ErrInvalidVehicleType},
		{"scheduled in past", func(r *CreateRequest) { r.ScheduledTime = &past }, booking.ErrScheduledInPast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mutate(&req)
			_, err := f.service.Create(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, driver.ErrValidation)
		})
	}
}

func TestCreate_ScheduledHandsOffToScheduler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)
	at := t0.Add(2 * time.Hour)

	req := request()
	req.ScheduledTime = &at
	res, err := f.service.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, ResultScheduled, res.Kind)
	assert.Equal(t, booking.StatusScheduled, res.Booking.Status)
	assert.Equal(t, at, f.sched.jobs[res.Booking.ID])
	assert.True(t, f.available(t, "d1"), "no claim before the job fires")

	fired, err := f.service.ProcessScheduled(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultConfirmed, fired.Kind)

	again, err := f.service.ProcessScheduled(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, again.Kind)
	assert.Equal(t, booking.StatusConfirmed, again.Booking.Status)
}

func TestCreate_SchedulerFailureCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sched.err = errors.New("queue down")
	at := t0.Add(time.Hour)

	req := request()
	req.ScheduledTime = &at
	_, err := f.service.Create(ctx, req)
	require.Error(t, err)

	for _, n := range f.notifier.all() {
		if n.ev.Type == notification.EventBookingStatusChanged {
			assert.Equal(t, string(booking.StatusCancelled), n.ev.Data.(notification.StatusChange).To)
			return
		}
	}
	t.Fatal("booking was not cancelled")
}

func TestProcess_ConfirmFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)
	f.repo.failOn = func(b *booking.Booking) bool { return b.Status == booking.StatusConfirmed }

	_, err := f.service.Create(context.Background(), request())
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.True(t, f.available(t, "d1"))
}

type erroringMatcher struct{ err error }

func (m erroringMatcher) MatchAt(context.Context, string, geo.Point, driver.VehicleType, time.Time) (string, bool, error) {
	return "", false, m.err
}

func TestProcess_MatchErrorLeavesBookingPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service.matcher = erroringMatcher{err: storage.ErrUnavailable}
	f.service.newID = func() string { return "b1" }

	_, err := f.service.Create(ctx, request())
	require.ErrorIs(t, err, storage.ErrUnavailable)

	stored, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, stored.Status)
	assert.Empty(t, f.notifier.all())
}

// confirmed -> en_route -> goods_collected -> delivered
func (f *fixture) deliver(t *testing.T) *booking.Booking {
	t.Helper()
	ctx := context.Background()
	f.addDriver(t, "d1", pickup)
	res, err := f.service.Create(ctx, request())
	require.NoError(t, err)
	require.Equal(t, ResultConfirmed, res.Kind)

	var b *booking.Booking
	for _, to := range []booking.Status{booking.StatusEnRoute, booking.StatusGoodsCollected, booking.StatusDelivered} {
		b, err = f.service.Machine().Transition(ctx, res.Booking.ID, to)
		require.NoError(t, err)
	}
	return b
}

func TestCreate_DriverReportDuringBookingKeepsClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)

	first, err := f.service.Create(ctx, request())
	require.NoError(t, err)
	require.Equal(t, ResultConfirmed, first.Kind)

	// the driver app keeps streaming is_available=true while on the job
	_, err = f.registry.ReportLocation(ctx, tracking.Report{
		DriverID:    "d1",
		Latitude:    pickup.Lat,
		Longitude:   pickup.Lon,
		VehicleType: driver.VehicleVan,
		IsAvailable: true,
		Timestamp:   t0.Add(time.Second),
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.SetAvailability("d1", true))
	assert.False(t, f.available(t, "d1"))

	second, err := f.service.Create(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, ResultNoDriver, second.Kind)

	_, err = f.service.UpdateStatus(ctx, first.Booking.ID, booking.StatusCancelled)
	require.NoError(t, err)
	assert.True(t, f.available(t, "d1"))
}

func TestUpdateStatus_RefusesConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)
	b := booking.New("b1", "u1", pickup, dropoff, driver.VehicleVan, 35, nil, t0)
	require.NoError(t, f.store.SaveBooking(ctx, b))

	_, err := f.service.UpdateStatus(ctx, "b1", booking.StatusConfirmed, WithDriver("d1"))
	require.ErrorIs(t, err, booking.ErrAssignedByMatching)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)

	stored, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, stored.Status)
	assert.True(t, f.available(t, "d1"))

	// d1 goes to exactly one booking
	res, err := f.service.Create(ctx, request())
	require.NoError(t, err)
	require.Equal(t, ResultConfirmed, res.Kind)
	assert.Equal(t, "d1", res.DriverID)

	res, err = f.service.Create(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, ResultNoDriver, res.Kind)
}

func TestTransition_CompletionReleasesDriver(t *testing.T) {
	f := newFixture(t)
	delivered := f.deliver(t)
	require.False(t, f.available(t, "d1"))

	done, err := f.service.Machine().Transition(context.Background(), delivered.ID, booking.StatusCompleted)
	require.NoError(t, err)

	assert.True(t, f.available(t, "d1"))
	require.GreaterOrEqual(t, len(done.History), 2)
	assert.Equal(t, booking.StatusCompleted, done.History[len(done.History)-1].Status)
	assert.Equal(t, "d1", done.AssignedDriver())
}

func TestTransition_IllegalLeavesHistoryUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := booking.New("b1", "u1", pickup, dropoff, driver.VehicleVan, 35, nil, t0)
	require.NoError(t, f.store.SaveBooking(ctx, b))

	_, err := f.service.Machine().Transition(ctx, "b1", booking.StatusGoodsCollected)
	require.ErrorIs(t, err, booking.ErrInvalidTransition)

	stored, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, stored.Status)
	assert.Len(t, stored.History, 1)
	assert.Equal(t, 1, stored.Version)
}

func TestTransition_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.Machine().Transition(ctx, "missing", booking.StatusCancelled)
	assert.ErrorIs(t, err, booking.ErrNotFound)

	_, err = f.service.Machine().Transition(ctx, "missing", "teleported")
	assert.ErrorIs(t, err, booking.ErrInvalidStatus)

	b := booking.New("b1", "u1", pickup, dropoff, driver.VehicleVan, 35, nil, t0)
	require.NoError(t, f.store.SaveBooking(ctx, b))
	_, err = f.service.Machine().Transition(ctx, "b1", booking.StatusConfirmed)
	assert.ErrorIs(t, err, booking.ErrMissingDriver)
}

func TestTransition_SaveFailureKeepsDriverClaimed(t *testing.T) {
	f := newFixture(t)
	delivered := f.deliver(t)
	f.repo.failOn = func(b *booking.Booking) bool { return b.Status == booking.StatusCompleted }

	_, err := f.service.Machine().Transition(context.Background(), delivered.ID, booking.StatusCompleted)
	require.ErrorIs(t, err, storage.ErrUnavailable)

	assert.False(t, f.available(t, "d1"))
	stored, err := f.store.GetBooking(context.Background(), delivered.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusDelivered, stored.Status)
}

func TestTransition_CancelClearsDriverAndReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)
	res, err := f.service.Create(ctx, request())
	require.NoError(t, err)

	cancelled, err := f.service.Machine().Transition(ctx, res.Booking.ID, booking.StatusCancelled, WithReason("user request"))
	require.NoError(t, err)
	assert.Nil(t, cancelled.DriverID)
	assert.Equal(t, "user request", cancelled.CancelReason)
	assert.True(t, f.available(t, "d1"))

	var driverTold bool
	for _, n := range f.notifier.all() {
		if n.kind == "driver" && n.ev.Type == notification.EventBookingStatusChanged {
			driverTold = true
		}
	}
	assert.True(t, driverTold)
}

func TestTransition_ConcurrentWritersConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", pickup)
	res, err := f.service.Create(ctx, request())
	require.NoError(t, err)

	const writers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Machine().Transition(ctx, res.Booking.ID, booking.StatusCancelled)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, booking.ErrConflict), errors.Is(err, booking.ErrInvalidTransition):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	stored, err := f.store.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, stored.Status)
	assert.Len(t, stored.History, 3)
	assert.True(t, f.available(t, "d1"))
}

func TestTransition_PublishesBookingUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	updates := make(chan Update, 4)
	require.NoError(t, f.bus.Subscribe(ctx, messaging.TopicBookingUpdates, func(_ context.Context, m messaging.Message) error {
		var u Update
		if err := json.Unmarshal(m.Payload, &u); err != nil {
			return err
		}
		updates <- u
		return nil
	}))

	b := booking.New("b1", "u1", pickup, dropoff, driver.VehicleVan, 35, nil, t0)
	require.NoError(t, f.store.SaveBooking(ctx, b))
	_, err := f.service.Machine().Transition(ctx, "b1", booking.StatusCancelled, WithReason("changed plans"))
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, "b1", u.BookingID)
		assert.Equal(t, booking.StatusPending, u.From)
		assert.Equal(t, booking.StatusCancelled, u.To)
		assert.Equal(t, "changed plans", u.Reason)
		assert.Equal(t, 2, u.Version)
	case <-time.After(time.Second):
		t.Fatal("booking update not published")
	}
}

type cancellingScheduler struct {
	fakeScheduler
	cancelled []string
}

func (c *cancellingScheduler) Cancel(_ context.Context, id string) error {
	c.cancelled = append(c.cancelled, id)
	return nil
}

func TestUpdateStatus_CancelDropsScheduledJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched := &cancellingScheduler{}
	f.service.SetScheduler(sched)
	at := t0.Add(time.Hour)

	req := request()
	req.ScheduledTime = &at
	res, err := f.service.Create(ctx, req)
	require.NoError(t, err)

	b, err := f.service.UpdateStatus(ctx, res.Booking.ID, booking.StatusCancelled, WithReason("plans changed"))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, b.Status)
	assert.Equal(t, []string{res.Booking.ID}, sched.cancelled)

	_, err = f.service.UpdateStatus(ctx, res.Booking.ID, booking.StatusConfirmed, WithDriver("d1"))
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
}
