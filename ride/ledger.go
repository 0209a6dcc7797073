package ride

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrInsufficientSeats is a business rejection, not a system failure: the
// ride exists but does not have enough seats left.
var ErrInsufficientSeats = errors.New("insufficient seats available")

// Ledger is the only writer of rides.available_seats. Every mutation is a
// single conditional UPDATE whose WHERE clause carries the precondition, so
// two reservations racing on the last seats cannot both win. Methods take an
// sqlx.ExtContext so callers can run them inside their own transaction and
// have a failed reservation roll back alongside their other writes.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements available_seats by n iff at least n seats remain.
func (l *Ledger) Reserve(ctx context.Context, q sqlx.ExtContext, rideID uuid.UUID, n int) error {
	res, err := q.ExecContext(ctx, reserveSeatsQuery, rideID, n)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return l.classifyMiss(ctx, q, rideID)
	}
	return nil
}

const reserveSeatsQuery = `
UPDATE rides SET available_seats = available_seats - $2
WHERE id = $1 AND available_seats >= $2
`

// Release returns n previously reserved seats to the ride.
func (l *Ledger) Release(ctx context.Context, q sqlx.ExtContext, rideID uuid.UUID, n int) error {
	res, err := q.ExecContext(ctx, releaseSeatsQuery, rideID, n)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const releaseSeatsQuery = `
UPDATE rides SET available_seats = available_seats + $2
WHERE id = $1
`

// Adjust applies a signed seat delta: positive behaves like Reserve and can
// fail with ErrInsufficientSeats, negative behaves like Release.
func (l *Ledger) Adjust(ctx context.Context, q sqlx.ExtContext, rideID uuid.UUID, delta int) error {
	switch {
	case delta > 0:
		return l.Reserve(ctx, q, rideID, delta)
	case delta < 0:
		return l.Release(ctx, q, rideID, -delta)
	}
	return nil
}

// classifyMiss distinguishes a missing ride from a failed precondition.
func (l *Ledger) classifyMiss(ctx context.Context, q sqlx.ExtContext, rideID uuid.UUID) error {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, rideExistsQuery, rideID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInsufficientSeats
}

const rideExistsQuery = `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`
