// Package source extracts raw records from the operational systems: the
// ride-hailing operational database and the file drop directories fed by
// partner uploads.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RideRecord is one row of the operational rides table: the order as placed
// by the client.
type RideRecord struct {
	RideID      int64
	OrderDT     time.Time
	ClientPhone string
	CardNum     string
	PointFrom   string
	PointTo     string
	Distance    float64
	Price       float64
}

// MovementRecord is one car status event attached to a ride.
type MovementRecord struct {
	MovementID  int64
	CarPlateNum string
	Ride        int64
	Event       string
	DT          time.Time
}

// Movement event kinds emitted by the dispatch system.
const (
	EventReady  = "READY"
	EventBegin  = "BEGIN"
	EventEnd    = "END"
	EventCancel = "CANCEL"
)

// DriverRecord is one row of the operational drivers table.
type DriverRecord struct {
	LastName       string
	FirstName      string
	MiddleName     string
	BirthDT        time.Time
	CardNum        string
	DriverLicense  string
	LicenseValidTo time.Time
	UpdateDT       time.Time
}

// CarRecord is one row of the operational car pool table.
type CarRecord struct {
	PlateNum   string
	Model      string
	RevisionDT time.Time
	UpdateDT   time.Time
}

// OpDB reads the operational database. All queries are read-only; the
// loader never mutates the source.
type OpDB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOpDB(log *slog.Logger, pool *pgxpool.Pool) *OpDB {
	return &OpDB{log: log, pool: pool}
}

// RidesSince returns ride orders placed strictly after since.
func (db *OpDB) RidesSince(ctx context.Context, since time.Time) ([]RideRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ride_id, dt, client_phone, card_num, point_from, point_to, distance, price
		 FROM rides WHERE dt > $1 ORDER BY dt`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rides: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RideRecord, error) {
		var r RideRecord
		err := row.Scan(&r.RideID, &r.OrderDT, &r.ClientPhone, &r.CardNum,
			&r.PointFrom, &r.PointTo, &r.Distance, &r.Price)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rides: %w", err)
	}
	return records, nil
}

// MovementSince returns car status events recorded strictly after since.
// Plate numbers arrive space-padded from the dispatch system and are
// trimmed on scan.
func (db *OpDB) MovementSince(ctx context.Context, since time.Time) ([]MovementRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT movement_id, TRIM(car_plate_num), ride, event, dt
		 FROM movement WHERE dt > $1 ORDER BY dt`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query movement: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MovementRecord, error) {
		var m MovementRecord
		err := row.Scan(&m.MovementID, &m.CarPlateNum, &m.Ride, &m.Event, &m.DT)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan movement: %w", err)
	}
	return records, nil
}

// AllDrivers returns the full drivers roster. Waybill attribution matches
// by license number against every known driver, not only recent updates.
func (db *OpDB) AllDrivers(ctx context.Context) ([]DriverRecord, error) {
	return db.drivers(ctx,
		`SELECT last_name, first_name, middle_name, birth_dt, card_num,
		        driver_license, driver_valid_to, update_dt
		 FROM drivers`)
}

// DriverUpdatesSince returns drivers whose record changed strictly after
// since.
func (db *OpDB) DriverUpdatesSince(ctx context.Context, since time.Time) ([]DriverRecord, error) {
	return db.drivers(ctx,
		`SELECT last_name, first_name, middle_name, birth_dt, card_num,
		        driver_license, driver_valid_to, update_dt
		 FROM drivers WHERE update_dt > $1 ORDER BY update_dt`,
		since)
}

func (db *OpDB) drivers(ctx context.Context, query string, args ...any) ([]DriverRecord, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drivers: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DriverRecord, error) {
		var d DriverRecord
		err := row.Scan(&d.LastName, &d.FirstName, &d.MiddleName, &d.BirthDT,
			&d.CardNum, &d.DriverLicense, &d.LicenseValidTo, &d.UpdateDT)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan drivers: %w", err)
	}
	return records, nil
}

// CarUpdatesSince returns car pool rows whose record changed strictly after
// since. Plate numbers are trimmed on scan.
func (db *OpDB) CarUpdatesSince(ctx context.Context, since time.Time) ([]CarRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT TRIM(plate_num), model, revision_dt, update_dt
		 FROM car_pool WHERE update_dt > $1 ORDER BY update_dt`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query car pool: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CarRecord, error) {
		var c CarRecord
		err := row.Scan(&c.PlateNum, &c.Model, &c.RevisionDT, &c.UpdateDT)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan car pool: %w", err)
	}
	return records, nil
}
