package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/monitoring"
)

// Report is one location update from a driver.
type Report struct {
	DriverID    string             `json:"driver_id"`
	VehicleID   string             `json:"vehicle_id,omitempty"`
	Latitude    float64            `json:"latitude"`
	Longitude   float64            `json:"longitude"`
	VehicleType driver.VehicleType `json:"vehicle_type"`
	IsAvailable bool               `json:"is_available"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Outcome describes what a report did to the registry.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeMoved    Outcome = "moved"
	OutcomeUpdated  Outcome = "updated"
	OutcomeStale    Outcome = "stale"
	OutcomeRejected Outcome = "rejected"
)

// EvictReason labels why a driver left the registry.
type EvictReason string

const (
	EvictDisconnect EvictReason = "disconnect"
	EvictExpired    EvictReason = "expired"
)

type entry struct {
	mu     sync.Mutex
	record driver.Record
	// offered is what the driver last said about its own availability;
	// record.IsAvailable also accounts for a held claim.
	offered     bool
	initialized bool
	evicted     bool
}

func (e *entry) settle() {
	e.record.IsAvailable = e.offered && e.record.ClaimedBy == ""
}

// departure is what an evicted driver leaves behind: the last timestamp,
// so a delayed report cannot resurrect an older position, and any claim
// still held by a booking.
type departure struct {
	lastUpdated time.Time
	claimedBy   string
}

// Registry is the authoritative in-memory view of connected drivers. It is
// the only writer of the geo index; every record change and its index
// change happen under the record's lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// lock order: entry.mu, then departedMu
	departedMu sync.Mutex
	departed   map[string]departure

	index  geo.Index
	grid   geo.Grid
	logger *logger.Logger
	nr     *monitoring.NewRelicApp
	now    func() time.Time

	persist chan driver.Record
	repo    driver.Repository
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for reports without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithNewRelic records location updates as New Relic custom metrics.
func WithNewRelic(nr *monitoring.NewRelicApp) Option {
	return func(r *Registry) { r.nr = nr }
}

// WithPersistence enables write-behind of driver snapshots. Snapshots are
// queued without blocking and written by RunPersister; when the queue is
// full the snapshot is dropped.
func WithPersistence(repo driver.Repository, buffer int) Option {
	return func(r *Registry) {
		if buffer <= 0 {
			buffer = 1024
		}
		r.repo = repo
		r.persist = make(chan driver.Record, buffer)
	}
}

func NewRegistry(index geo.Index, grid geo.Grid, log *logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		departed: make(map[string]departure),
		index:    index,
		grid:     grid,
		logger:   log.Named("registry"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) validate(rep *Report) (geo.Point, geo.CellID, error) {
	if rep.DriverID == "" {
		return geo.Point{}, 0, driver.ErrInvalidDriverID
	}
	p := geo.Point{Lat: rep.Latitude, Lon: rep.Longitude}
	if err := p.Validate(); err != nil {
		return p, 0, fmt.Errorf("%w: %v", driver.ErrInvalidCoordinates, err)
	}
	if !rep.VehicleType.IsValid() {
		return p, 0, fmt.Errorf("%w: %q", driver.ErrInvalidVehicleType, rep.VehicleType)
	}
	cell, err := r.grid.CellOf(p)
	if err != nil {
		return p, 0, fmt.Errorf("%w: %v", driver.ErrInvalidCoordinates, err)
	}
	if rep.Timestamp.IsZero() {
		rep.Timestamp = r.now()
	}
	if rep.VehicleID == "" {
		rep.VehicleID = rep.DriverID
	}
	return p, cell, nil
}

// ReportLocation validates and applies a single report. Invalid reports
// return an error wrapping driver.ErrValidation and change nothing. A report
// older than the driver's last update is discarded with OutcomeStale.
func (r *Registry) ReportLocation(ctx context.Context, rep Report) (Outcome, error) {
	outcome, err := r.apply(ctx, rep)
	observability.LocationReports.WithLabelValues(string(outcome)).Inc()
	r.nr.RecordLocationUpdate(string(outcome))
	return outcome, err
}

func (r *Registry) apply(ctx context.Context, rep Report) (Outcome, error) {
	p, cell, err := r.validate(&rep)
	if err != nil {
		return OutcomeRejected, err
	}

	for {
		e := r.acquire(rep.DriverID)
		e.mu.Lock()
		if e.evicted {
			// lost a race with eviction, start over with a fresh entry
			e.mu.Unlock()
			r.detach(rep.DriverID, e)
			continue
		}

		outcome, err := r.applyLocked(ctx, e, rep, p, cell)
		var snapshot driver.Record
		if err == nil && outcome != OutcomeStale {
			snapshot = e.record
		}
		e.mu.Unlock()

		if err != nil {
			return OutcomeRejected, err
		}
		if outcome != OutcomeStale {
			r.enqueuePersist(snapshot)
		}
		if outcome == OutcomeCreated {
			observability.DriversTracked.Set(float64(r.Len()))
		}
		return outcome, nil
	}
}

func (r *Registry) applyLocked(ctx context.Context, e *entry, rep Report, p geo.Point, cell geo.CellID) (Outcome, error) {
	if !e.initialized {
		if dep, ok := r.departure(rep.DriverID); ok && rep.Timestamp.Before(dep.lastUpdated) {
			e.evicted = true
			r.detach(rep.DriverID, e)
			return OutcomeStale, nil
		}
		if err := r.index.Insert(ctx, rep.DriverID, cell); err != nil {
			// leave no half-created entry behind
			e.evicted = true
			r.detach(rep.DriverID, e)
			return OutcomeRejected, fmt.Errorf("index driver %s: %w", rep.DriverID, err)
		}
		// taken only now: a release arriving before this point still
		// reaches the departure
		dep := r.takeDeparture(rep.DriverID)
		e.record = driver.Record{
			DriverID:    rep.DriverID,
			VehicleID:   rep.VehicleID,
			Location:    p,
			Cell:        cell,
			VehicleType: rep.VehicleType,
			ClaimedBy:   dep.claimedBy,
			LastUpdated: rep.Timestamp,
		}
		e.offered = rep.IsAvailable
		e.settle()
		e.initialized = true
		return OutcomeCreated, nil
	}

	rec := &e.record
	if rep.Timestamp.Before(rec.LastUpdated) {
		return OutcomeStale, nil
	}

	outcome := OutcomeUpdated
	if cell != rec.Cell {
		if err := r.index.Move(ctx, rep.DriverID, rec.Cell, cell); err != nil {
			return OutcomeRejected, fmt.Errorf("move driver %s: %w", rep.DriverID, err)
		}
		rec.Cell = cell
		outcome = OutcomeMoved
	}

	rec.Location = p
	rec.VehicleID = rep.VehicleID
	rec.VehicleType = rep.VehicleType
	rec.LastUpdated = rep.Timestamp
	e.offered = rep.IsAvailable
	e.settle()
	return outcome, nil
}

// acquire returns the entry for driverID, creating an empty one if needed.
func (r *Registry) acquire(driverID string) *entry {
	r.mu.RLock()
	e, ok := r.entries[driverID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[driverID]; ok {
		return e
	}
	e = &entry{}
	r.entries[driverID] = e
	return e
}

func (r *Registry) lookup(driverID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[driverID]
	return e, ok
}

// detach removes e from the map if it is still the current entry.
func (r *Registry) detach(driverID string, e *entry) {
	r.mu.Lock()
	if r.entries[driverID] == e {
		delete(r.entries, driverID)
	}
	r.mu.Unlock()
}

// withEntry runs fn under the lock of a live driver's entry.
func (r *Registry) withEntry(driverID string, fn func(e *entry)) bool {
	e, ok := r.lookup(driverID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !e.initialized {
		return false
	}
	fn(e)
	return true
}

// Get returns a copy of the driver's record.
func (r *Registry) Get(driverID string) (driver.Record, bool) {
	var out driver.Record
	ok := r.withEntry(driverID, func(e *entry) { out = e.record })
	return out, ok
}

// SetAvailability records whether the driver is willing to take work. A
// claimed driver stays unavailable until its booking releases it. The geo
// index is untouched.
func (r *Registry) SetAvailability(driverID string, available bool) error {
	var snapshot driver.Record
	ok := r.withEntry(driverID, func(e *entry) {
		e.offered = available
		e.settle()
		snapshot = e.record
	})
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrDriverNotFound, driverID)
	}
	r.enqueuePersist(snapshot)
	return nil
}

// TryClaim atomically hands an available driver to bookingID. It returns
// false when the driver is unknown, unavailable or already claimed.
func (r *Registry) TryClaim(driverID, bookingID string) bool {
	claimed := false
	r.withEntry(driverID, func(e *entry) {
		if e.record.IsAvailable && e.record.ClaimedBy == "" {
			e.record.ClaimedBy = bookingID
			e.settle()
			claimed = true
		}
	})
	return claimed
}

// Release drops the claim bookingID holds on a driver. The driver becomes
// available again only if it last offered itself. Releasing a claim held
// by another booking changes nothing and returns driver.ErrClaimMismatch.
func (r *Registry) Release(driverID, bookingID string) error {
	if found, err := r.releaseLive(driverID, bookingID); found {
		return err
	}
	err := r.releaseDeparted(driverID, bookingID)
	if errors.Is(err, driver.ErrDriverNotFound) {
		// the driver may have reconnected in between
		if found, lerr := r.releaseLive(driverID, bookingID); found {
			return lerr
		}
	}
	return err
}

func (r *Registry) releaseLive(driverID, bookingID string) (bool, error) {
	var (
		snapshot driver.Record
		holder   string
	)
	ok := r.withEntry(driverID, func(e *entry) {
		holder = e.record.ClaimedBy
		if holder != bookingID {
			return
		}
		e.record.ClaimedBy = ""
		e.settle()
		snapshot = e.record
	})
	if !ok {
		return false, nil
	}
	if holder != bookingID {
		return true, fmt.Errorf("%w: %s held by %q", driver.ErrClaimMismatch, driverID, holder)
	}
	r.enqueuePersist(snapshot)
	return true, nil
}

// releaseDeparted drops a claim an evicted driver still carries.
func (r *Registry) releaseDeparted(driverID, bookingID string) error {
	r.departedMu.Lock()
	defer r.departedMu.Unlock()
	dep, ok := r.departed[driverID]
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrDriverNotFound, driverID)
	}
	if dep.claimedBy != bookingID {
		return fmt.Errorf("%w: %s held by %q", driver.ErrClaimMismatch, driverID, dep.claimedBy)
	}
	dep.claimedBy = ""
	r.departed[driverID] = dep
	return nil
}

func (r *Registry) departure(driverID string) (departure, bool) {
	r.departedMu.Lock()
	defer r.departedMu.Unlock()
	dep, ok := r.departed[driverID]
	return dep, ok
}

func (r *Registry) takeDeparture(driverID string) departure {
	r.departedMu.Lock()
	defer r.departedMu.Unlock()
	dep := r.departed[driverID]
	delete(r.departed, driverID)
	return dep
}

// PurgeDepartures forgets evicted drivers last heard from before cutoff.
// Departures still carrying a claim are kept until the booking releases
// them.
func (r *Registry) PurgeDepartures(cutoff time.Time) int {
	r.departedMu.Lock()
	defer r.departedMu.Unlock()
	n := 0
	for id, dep := range r.departed {
		if dep.claimedBy == "" && dep.lastUpdated.Before(cutoff) {
			delete(r.departed, id)
			n++
		}
	}
	return n
}

// Disconnect removes a driver immediately, releasing it from the index.
func (r *Registry) Disconnect(ctx context.Context, driverID string) bool {
	e, ok := r.lookup(driverID)
	if !ok {
		return false
	}
	return r.evict(ctx, driverID, e, EvictDisconnect, nil)
}

// evict removes e when keep returns false for its record (or keep is nil).
func (r *Registry) evict(ctx context.Context, driverID string, e *entry, reason EvictReason, keep func(driver.Record) bool) bool {
	e.mu.Lock()
	if e.evicted || !e.initialized || (keep != nil && keep(e.record)) {
		e.mu.Unlock()
		return false
	}
	e.evicted = true
	e.record.IsAvailable = false
	r.departedMu.Lock()
	r.departed[driverID] = departure{lastUpdated: e.record.LastUpdated, claimedBy: e.record.ClaimedBy}
	r.departedMu.Unlock()
	cell := e.record.Cell
	if err := r.index.Remove(ctx, driverID, cell); err != nil {
		r.logger.Error("Failed to remove driver from index",
			logger.String("driver_id", driverID),
			logger.String("cell", cell.String()),
			logger.Err(err),
		)
	}
	e.mu.Unlock()

	r.detach(driverID, e)
	observability.DriverEvictions.WithLabelValues(string(reason)).Inc()
	observability.DriversTracked.Set(float64(r.Len()))
	r.logger.Debug("Driver evicted",
		logger.String("driver_id", driverID),
		logger.String("reason", string(reason)),
	)
	return true
}

// Len returns the number of tracked drivers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns copies of every live record sorted by driver ID.
func (r *Registry) Snapshot() []driver.Record {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	out := make([]driver.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Registry) enqueuePersist(rec driver.Record) {
	if r.persist == nil {
		return
	}
	select {
	case r.persist <- rec:
	default:
		r.logger.Debug("Persist queue full, dropping snapshot", logger.String("driver_id", rec.DriverID))
	}
}

// RunPersister writes queued snapshots until ctx is cancelled. Failures are
// logged; the in-memory registry stays authoritative.
func (r *Registry) RunPersister(ctx context.Context) {
	if r.persist == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.persist:
			if err := r.repo.SaveDriver(ctx, &rec); err != nil {
				r.logger.Warn("Failed to persist driver snapshot",
					logger.String("driver_id", rec.DriverID),
					logger.Err(err),
				)
			}
		}
	}
}
