package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    driver_id       TEXT,
    pickup_lat      DOUBLE PRECISION NOT NULL,
    pickup_lon      DOUBLE PRECISION NOT NULL,
    dropoff_lat     DOUBLE PRECISION NOT NULL,
    dropoff_lon     DOUBLE PRECISION NOT NULL,
    vehicle_type    TEXT NOT NULL,
    price           DOUBLE PRECISION NOT NULL,
    status          TEXT NOT NULL,
    status_history  JSONB NOT NULL,
    scheduled_time  TIMESTAMPTZ,
    cancel_reason   TEXT NOT NULL DEFAULT '',
    version         INTEGER NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS drivers (
    driver_id     TEXT PRIMARY KEY,
    vehicle_id    TEXT NOT NULL,
    lat           DOUBLE PRECISION NOT NULL,
    lon           DOUBLE PRECISION NOT NULL,
    cell          TEXT NOT NULL,
    vehicle_type  TEXT NOT NULL,
    is_available  BOOLEAN NOT NULL,
    last_updated  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS maintenance_periods (
    vehicle_id  TEXT NOT NULL,
    start_time  TIMESTAMPTZ NOT NULL,
    end_time    TIMESTAMPTZ NOT NULL,
    reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_maintenance_vehicle ON maintenance_periods (vehicle_id, start_time);
`

// PostgresStore implements Store on PostgreSQL via database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables the store reads and writes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
               vehicle_type, price, status, status_history, scheduled_time, cancel_reason,
               version, created_at, updated_at
        FROM bookings
        WHERE id = $1`, id)

	var b booking.Booking
	var driverID sql.NullString
	var scheduled sql.NullTime
	var history []byte

	err := row.Scan(
		&b.ID, &b.UserID, &driverID, &b.Pickup.Lat, &b.Pickup.Lon, &b.Dropoff.Lat, &b.Dropoff.Lon,
		&b.VehicleType, &b.Price, &b.Status, &history, &scheduled, &b.CancelReason,
		&b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, booking.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get booking", err)
	}

	if err := json.Unmarshal(history, &b.History); err != nil {
		return nil, fmt.Errorf("decode history of booking %s: %w", id, err)
	}
	if driverID.Valid {
		d := driverID.String
		b.DriverID = &d
	}
	if scheduled.Valid {
		t := scheduled.Time
		b.ScheduledTime = &t
	}
	return &b, nil
}

// SaveBooking inserts when b.Version is zero, otherwise updates only if the
// stored version still equals b.Version.
func (s *PostgresStore) SaveBooking(ctx context.Context, b *booking.Booking) error {
	history, err := json.Marshal(b.History)
	if err != nil {
		return fmt.Errorf("encode history of booking %s: %w", b.ID, err)
	}

	var scheduled sql.NullTime
	if b.ScheduledTime != nil {
		scheduled = sql.NullTime{Time: *b.ScheduledTime, Valid: true}
	}

	if b.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
            INSERT INTO bookings (
                id, user_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
                vehicle_type, price, status, status_history, scheduled_time, cancel_reason,
                version, created_at, updated_at
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15)`,
			b.ID, b.UserID, b.DriverID, b.Pickup.Lat, b.Pickup.Lon, b.Dropoff.Lat, b.Dropoff.Lon,
			string(b.VehicleType), b.Price, string(b.Status), history, scheduled, b.CancelReason,
			b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			return unavailable("insert booking", err)
		}
		b.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE bookings
        SET driver_id = $1,
            status = $2,
            status_history = $3,
            cancel_reason = $4,
            price = $5,
            version = version + 1,
            updated_at = $6
        WHERE id = $7 AND version = $8`,
		b.DriverID, string(b.Status), history, b.CancelReason, b.Price, b.UpdatedAt,
		b.ID, b.Version,
	)
	if err != nil {
		return unavailable("update booking", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update booking", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: booking %s version %d", booking.ErrConflict, b.ID, b.Version)
	}
	b.Version++
	return nil
}

func (s *PostgresStore) GetDriver(ctx context.Context, driverID string) (*driver.Record, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT driver_id, vehicle_id, lat, lon, cell, vehicle_type, is_available, last_updated
        FROM drivers
        WHERE driver_id = $1`, driverID)

	var r driver.Record
	var cell string
	err := row.Scan(&r.DriverID, &r.VehicleID, &r.Location.Lat, &r.Location.Lon, &cell,
		&r.VehicleType, &r.IsAvailable, &r.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driver.ErrDriverNotFound
	}
	if err != nil {
		return nil, unavailable("get driver", err)
	}

	if r.Cell, err = geo.ParseCellID(cell); err != nil {
		return nil, fmt.Errorf("driver %s: %w", driverID, err)
	}
	return &r, nil
}

func (s *PostgresStore) SaveDriver(ctx context.Context, r *driver.Record) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO drivers (driver_id, vehicle_id, lat, lon, cell, vehicle_type, is_available, last_updated)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (driver_id) DO UPDATE
        SET vehicle_id = EXCLUDED.vehicle_id,
            lat = EXCLUDED.lat,
            lon = EXCLUDED.lon,
            cell = EXCLUDED.cell,
            vehicle_type = EXCLUDED.vehicle_type,
            is_available = EXCLUDED.is_available,
            last_updated = EXCLUDED.last_updated
        WHERE drivers.last_updated <= EXCLUDED.last_updated`,
		r.DriverID, r.VehicleID, r.Location.Lat, r.Location.Lon, r.Cell.String(),
		string(r.VehicleType), r.IsAvailable, r.LastUpdated,
	)
	if err != nil {
		return unavailable("save driver", err)
	}
	return nil
}

func (s *PostgresStore) GetMaintenancePeriods(ctx context.Context, vehicleID string, at time.Time) ([]driver.MaintenancePeriod, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT vehicle_id, start_time, end_time, reason
        FROM maintenance_periods
        WHERE vehicle_id = $1 AND start_time <= $2 AND end_time > $2`, vehicleID, at)
	if err != nil {
		return nil, unavailable("get maintenance periods", err)
	}
	defer rows.Close()

	var out []driver.MaintenancePeriod
	for rows.Next() {
		var p driver.MaintenancePeriod
		if err := rows.Scan(&p.VehicleID, &p.Start, &p.End, &p.Reason); err != nil {
			return nil, unavailable("scan maintenance period", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate maintenance periods", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
