// Package db loads seed trips for the dev backend from Postgres. The
// simulator falls back to a built-in demo trip when no DSN is configured.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tripwatch/internal/geo"
	"tripwatch/internal/trip"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchSeedTrips loads every non-terminal trip with its passengers.
func FetchSeedTrips(ctx context.Context, db *sql.DB) ([]trip.Trip, error) {
	q := `
SELECT id, driver_id,
       pickup_lat, pickup_lng, dest_lat, dest_lng,
       fare, scheduled_minutes
FROM trips
WHERE status NOT IN ('completed', 'cancelled')
ORDER BY id`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []trip.Trip
	for rows.Next() {
		var t trip.Trip
		if err := rows.Scan(
			&t.ID, &t.DriverID,
			&t.Pickup.Lat, &t.Pickup.Lng, &t.Destination.Lat, &t.Destination.Lng,
			&t.Fare, &t.ScheduledMinutes,
		); err != nil {
			return nil, err
		}
		t.Current = t.Pickup
		t.Status = trip.StatusPending
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range trips {
		passengers, err := fetchPassengers(ctx, db, trips[i].ID)
		if err != nil {
			return nil, err
		}
		trips[i].Passengers = passengers
	}
	return trips, nil
}

func fetchPassengers(ctx context.Context, db *sql.DB, tripID string) ([]trip.PassengerEntry, error) {
	q := `
SELECT id, user_id, lat, lng, seat_index, fare_share
FROM trip_passengers
WHERE trip_id = $1
ORDER BY seat_index`
	rows, err := db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query passengers for %s: %w", tripID, err)
	}
	defer rows.Close()

	var out []trip.PassengerEntry
	for rows.Next() {
		var p trip.PassengerEntry
		var c geo.Coordinate
		if err := rows.Scan(&p.ID, &p.UserID, &c.Lat, &c.Lng, &p.SeatIndex, &p.FareShare); err != nil {
			return nil, err
		}
		p.Coordinate = c
		p.Status = trip.PassengerWaiting
		out = append(out, p)
	}
	return out, rows.Err()
}
