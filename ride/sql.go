package ride

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrNotOwner          = errors.New("caller does not own this ride")
	ErrInvalidTransition = errors.New("ride status does not allow this transition")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Publish inserts a new ride in scheduled status with a full inventory.
func (r *Repository) Publish(ctx context.Context, ride *Ride) error {
	return r.db.GetContext(ctx, ride, publishRideQuery,
		ride.ID, ride.DriverID, ride.Origin, ride.Destination,
		ride.DepartsAt, ride.PricePerSeat, ride.TotalSeats)
}

const publishRideQuery = `
INSERT INTO rides (id, driver_id, origin, destination, departs_at, price_per_seat, total_seats, available_seats, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 'scheduled', now())
RETURNING *
`

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Ride, error) {
	var ride Ride
	err := r.db.GetContext(ctx, &ride, getRideByIDQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Ride{}, ErrNotFound
	}
	return ride, err
}

const getRideByIDQuery = `SELECT * FROM rides WHERE id = $1`

func (r *Repository) ListByDriver(ctx context.Context, driverID uuid.UUID) ([]Ride, error) {
	var rides []Ride
	err := r.db.SelectContext(ctx, &rides, listRidesByDriverQuery, driverID)
	return rides, err
}

const listRidesByDriverQuery = `SELECT * FROM rides WHERE driver_id = $1 ORDER BY departs_at ASC`

// Start moves a scheduled ride to in-progress. Pickup verification is only
// allowed once the ride is in-progress.
func (r *Repository) Start(ctx context.Context, id, driverID uuid.UUID) (Ride, error) {
	return r.transition(ctx, id, driverID, Scheduled, InProgress, nil, nil)
}

// Cancel moves a scheduled ride to cancelled.
func (r *Repository) Cancel(ctx context.Context, id, driverID uuid.UUID) (Ride, error) {
	return r.transition(ctx, id, driverID, Scheduled, Cancelled, nil, nil)
}

// Complete moves an in-progress ride to completed and, in the same
// transaction, completes every confirmed booking on it. The booking rows are
// locked before the ride row; every lock path in the system takes booking
// locks first, then the ride lock.
func (r *Repository) Complete(ctx context.Context, id, driverID uuid.UUID) (Ride, error) {
	return r.transition(ctx, id, driverID, InProgress, Completed,
		func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, lockConfirmedBookingsQuery, id)
			return err
		},
		func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, completeBookingsQuery, id)
			return err
		})
}

const lockConfirmedBookingsQuery = `SELECT id FROM bookings WHERE ride_id = $1 AND status = 'confirmed' FOR UPDATE`

const completeBookingsQuery = `UPDATE bookings SET status = 'completed' WHERE ride_id = $1 AND status = 'confirmed'`

// transition runs before inside the transaction ahead of the ride row lock,
// and after once the status has changed.
func (r *Repository) transition(ctx context.Context, id, driverID uuid.UUID, from, to Status, before, after func(*sqlx.Tx) error) (Ride, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Ride{}, err
	}
	defer tx.Rollback()

	if before != nil {
		if err := before(tx); err != nil {
			return Ride{}, err
		}
	}

	var ride Ride
	err = tx.GetContext(ctx, &ride, getRideForUpdateQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Ride{}, ErrNotFound
	}
	if err != nil {
		return Ride{}, err
	}

	if ride.DriverID != driverID {
		return Ride{}, ErrNotOwner
	}
	if ride.Status != from {
		return Ride{}, ErrInvalidTransition
	}

	err = tx.GetContext(ctx, &ride, setRideStatusQuery, id, to)
	if err != nil {
		return Ride{}, err
	}

	if after != nil {
		if err := after(tx); err != nil {
			return Ride{}, err
		}
	}

	return ride, tx.Commit()
}

const getRideForUpdateQuery = `SELECT * FROM rides WHERE id = $1 FOR UPDATE`

const setRideStatusQuery = `UPDATE rides SET status = $2 WHERE id = $1 RETURNING *`
