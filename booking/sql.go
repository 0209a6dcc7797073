package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jmoiron/sqlx"

	"github.com/ridepool/marketplace-backend/pin"
	"github.com/ridepool/marketplace-backend/ride"
)

var (
	ErrNotFound      = errors.New("booking not found")
	ErrNotOwner      = errors.New("not authorized to act on this booking")
	ErrInvalidState  = errors.New("booking status does not allow this transition")
	ErrAlreadyBooked = errors.New("rider already has an open booking on this ride")
	ErrInvalidSeats  = errors.New("seat count must be at least 1")
	ErrPinExpired    = errors.New("pickup pin has expired")
	ErrPinLocked     = errors.New("pickup pin verification is locked")
)

type Repository struct {
	db     *sqlx.DB
	ledger *ride.Ledger
	pins   *pin.Service
}

func NewRepository(db *sqlx.DB, ledger *ride.Ledger, pins *pin.Service) *Repository {
	return &Repository{db: db, ledger: ledger, pins: pins}
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Booking, error) {
	var b Booking
	err := r.db.GetContext(ctx, &b, getBookingByIDQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	return b, err
}

const getBookingByIDQuery = `SELECT * FROM bookings WHERE id = $1`

func (r *Repository) ListByRider(ctx context.Context, riderID uuid.UUID) ([]Booking, error) {
	var bookings []Booking
	err := r.db.SelectContext(ctx, &bookings, listByRiderQuery, riderID)
	return bookings, err
}

const listByRiderQuery = `SELECT * FROM bookings WHERE rider_id = $1 ORDER BY created_at ASC`

func (r *Repository) ListByRide(ctx context.Context, rideID uuid.UUID) ([]Booking, error) {
	var bookings []Booking
	err := r.db.SelectContext(ctx, &bookings, listByRideQuery, rideID)
	return bookings, err
}

const listByRideQuery = `SELECT * FROM bookings WHERE ride_id = $1 ORDER BY created_at ASC`

// Create inserts a pending booking. No seats are reserved here: the seat
// check against the ride is advisory, rejecting obviously doomed requests
// early. The authoritative check is the Ledger reservation at acceptance.
func (r *Repository) Create(ctx context.Context, b *Booking) error {
	if b.Seats < 1 {
		return ErrInvalidSeats
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rd, err := lockRide(ctx, tx, b.RideID)
	if err != nil {
		return err
	}
	if rd.Status != ride.Scheduled {
		return ErrInvalidState
	}
	if rd.AvailableSeats <= 0 || b.Seats > rd.AvailableSeats {
		return ride.ErrInsufficientSeats
	}

	var open bool
	err = tx.GetContext(ctx, &open, openBookingExistsQuery, b.RideID, b.RiderID)
	if err != nil {
		return err
	}
	if open {
		return ErrAlreadyBooked
	}

	err = tx.GetContext(ctx, b, createBookingQuery,
		b.ID, b.RideID, b.RiderID, b.Seats, b.PickupPoint, b.PaymentRef)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const openBookingExistsQuery = `
SELECT EXISTS (
  SELECT 1 FROM bookings
  WHERE ride_id = $1 AND rider_id = $2 AND status IN ('pending', 'confirmed')
)
`

const createBookingQuery = `
INSERT INTO bookings (id, ride_id, rider_id, seats, pickup_point, status, pickup_status, payment_ref, pin_attempts, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 'pending', $6, 0, now())
RETURNING *
`

// Accept confirms a pending booking: the Ledger reservation, the status
// change and the credential storage are one transaction, so losing the seat
// race leaves the booking pending and stores nothing.
func (r *Repository) Accept(ctx context.Context, id, driverID uuid.UUID, cred pin.Credential) (Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Booking{}, err
	}
	defer tx.Rollback()

	b, rd, err := lockBookingAndRide(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if rd.DriverID != driverID {
		return Booking{}, ErrNotOwner
	}
	if !CanTransition(b.Status, StatusConfirmed) {
		return Booking{}, ErrInvalidState
	}

	err = r.ledger.Reserve(ctx, tx, b.RideID, b.Seats)
	if err != nil {
		return Booking{}, err
	}

	err = tx.GetContext(ctx, &b, confirmBookingQuery, id, cred.Hash, cred.Encrypted, cred.ExpiresAt)
	if err != nil {
		return Booking{}, err
	}

	return b, tx.Commit()
}

const confirmBookingQuery = `
UPDATE bookings
SET status = 'confirmed', pickup_status = 'pending',
    pin_hash = $2, pin_encrypted = $3, pin_expires_at = $4,
    pin_attempts = 0, pin_locked_until = NULL
WHERE id = $1
RETURNING *
`

// Reject declines a pending booking. Nothing was reserved, so the Ledger is
// not involved.
func (r *Repository) Reject(ctx context.Context, id, driverID uuid.UUID) (Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Booking{}, err
	}
	defer tx.Rollback()

	b, rd, err := lockBookingAndRide(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if rd.DriverID != driverID {
		return Booking{}, ErrNotOwner
	}
	if !CanTransition(b.Status, StatusRejected) {
		return Booking{}, ErrInvalidState
	}

	err = tx.GetContext(ctx, &b, setBookingStatusQuery, id, StatusRejected)
	if err != nil {
		return Booking{}, err
	}

	return b, tx.Commit()
}

const setBookingStatusQuery = `UPDATE bookings SET status = $2 WHERE id = $1 RETURNING *`

// Cancel withdraws a booking. Seats go back to the ride only when the
// booking was confirmed; a pending booking never held any.
func (r *Repository) Cancel(ctx context.Context, id, riderID uuid.UUID) (Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Booking{}, err
	}
	defer tx.Rollback()

	b, rd, err := lockBookingAndRide(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if b.RiderID != riderID {
		return Booking{}, ErrNotOwner
	}
	if !CanTransition(b.Status, StatusCancelled) {
		return Booking{}, ErrInvalidState
	}
	if rd.Status == ride.Cancelled || rd.Status == ride.Completed {
		return Booking{}, ErrInvalidState
	}

	wasConfirmed := b.Status == StatusConfirmed

	err = tx.GetContext(ctx, &b, setBookingStatusQuery, id, StatusCancelled)
	if err != nil {
		return Booking{}, err
	}

	if wasConfirmed {
		err = r.ledger.Release(ctx, tx, b.RideID, b.Seats)
		if err != nil {
			return Booking{}, err
		}
	}

	return b, tx.Commit()
}

// Update changes a booking's seat count and/or pickup point before pickup.
// The Ledger is only consulted when the booking is confirmed, the single
// state in which seats are counted against the ride; location-only edits
// bypass it entirely. A failed adjustment rolls everything back.
func (r *Repository) Update(ctx context.Context, id, riderID uuid.UUID, seats *int, point *pgtype.Point) (Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Booking{}, err
	}
	defer tx.Rollback()

	b, rd, err := lockBookingAndRide(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if b.RiderID != riderID {
		return Booking{}, ErrNotOwner
	}
	switch b.Status {
	case StatusPending, StatusConfirmed:
	default:
		return Booking{}, ErrInvalidState
	}
	if rd.Status == ride.InProgress || rd.Status == ride.Completed {
		return Booking{}, ErrInvalidState
	}

	newSeats := b.Seats
	if seats != nil {
		if *seats < 1 {
			return Booking{}, ErrInvalidSeats
		}
		newSeats = *seats
	}

	if delta := newSeats - b.Seats; delta != 0 && b.Status == StatusConfirmed {
		err = r.ledger.Adjust(ctx, tx, b.RideID, delta)
		if err != nil {
			return Booking{}, err
		}
	}

	newPoint := b.PickupPoint
	if point != nil {
		newPoint = *point
	}

	err = tx.GetContext(ctx, &b, updateBookingQuery, id, newSeats, newPoint)
	if err != nil {
		return Booking{}, err
	}

	return b, tx.Commit()
}

const updateBookingQuery = `UPDATE bookings SET seats = $2, pickup_point = $3 WHERE id = $1 RETURNING *`

// VerifyPickup checks a submitted pickup pin for the driver. A booking that
// is already picked up verifies successfully again without touching the
// attempt counter. Failed attempts are counted and committed even though an
// error is returned, so concurrent guessing cannot dodge the lockout.
func (r *Repository) VerifyPickup(ctx context.Context, id, driverID uuid.UUID, submitted string, now time.Time) (Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Booking{}, err
	}
	defer tx.Rollback()

	b, rd, err := lockBookingAndRide(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if rd.DriverID != driverID {
		return Booking{}, ErrNotOwner
	}
	if rd.Status != ride.InProgress {
		return Booking{}, ErrInvalidState
	}
	if b.Status != StatusConfirmed {
		return Booking{}, ErrInvalidState
	}
	if b.PickupStatus == PickupDone {
		return b, tx.Commit()
	}

	if !b.PinExpiresAt.Valid || !b.PinHash.Valid {
		return Booking{}, ErrInvalidState
	}
	if now.After(b.PinExpiresAt.Time) {
		return Booking{}, ErrPinExpired
	}
	if b.PinLockedUntil.Valid && now.Before(b.PinLockedUntil.Time) {
		return Booking{}, ErrPinLocked
	}

	if r.pins.Verify(b.PinHash.String, submitted) {
		err = tx.GetContext(ctx, &b, recordPickupQuery, id, now)
		if err != nil {
			return Booking{}, err
		}
		return b, tx.Commit()
	}

	attempts := b.PinAttempts + 1
	if attempts >= pin.MaxAttempts {
		_, err = tx.ExecContext(ctx, lockPinQuery, id, now.Add(pin.LockoutDuration))
		if err != nil {
			return Booking{}, err
		}
		if err := tx.Commit(); err != nil {
			return Booking{}, err
		}
		return Booking{}, &pinMismatchError{remaining: 0}
	}

	_, err = tx.ExecContext(ctx, recordPinFailureQuery, id, attempts)
	if err != nil {
		return Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return Booking{}, err
	}
	return Booking{}, &pinMismatchError{remaining: pin.MaxAttempts - attempts}
}

const recordPickupQuery = `
UPDATE bookings
SET pickup_status = 'picked_up', picked_up_at = $2,
    pin_attempts = 0, pin_locked_until = NULL
WHERE id = $1
RETURNING *
`

const lockPinQuery = `UPDATE bookings SET pin_attempts = 0, pin_locked_until = $2 WHERE id = $1`

const recordPinFailureQuery = `UPDATE bookings SET pin_attempts = $2 WHERE id = $1`

// RevealPin decrypts the stored pickup pin for display to the owning rider.
func (r *Repository) RevealPin(ctx context.Context, id, riderID uuid.UUID, now time.Time) (string, error) {
	b, err := r.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if b.RiderID != riderID {
		return "", ErrNotOwner
	}
	if b.Status != StatusConfirmed || !b.PinEncrypted.Valid || !b.PinExpiresAt.Valid {
		return "", ErrInvalidState
	}
	if now.After(b.PinExpiresAt.Time) {
		return "", ErrPinExpired
	}
	return r.pins.Reveal(b.PinEncrypted.String)
}

// rideRow is the slice of the ride a booking transition needs for its guards.
type rideRow struct {
	DriverID       uuid.UUID   `db:"driver_id"`
	Status         ride.Status `db:"status"`
	AvailableSeats int         `db:"available_seats"`
}

func lockRide(ctx context.Context, tx *sqlx.Tx, rideID uuid.UUID) (rideRow, error) {
	var rd rideRow
	err := tx.GetContext(ctx, &rd, lockRideQuery, rideID)
	if errors.Is(err, sql.ErrNoRows) {
		return rideRow{}, ride.ErrNotFound
	}
	return rd, err
}

const lockRideQuery = `SELECT driver_id, status, available_seats FROM rides WHERE id = $1 FOR UPDATE`

// lockBookingAndRide takes the booking row lock, then the ride row lock,
// always in that order.
func lockBookingAndRide(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (Booking, rideRow, error) {
	var b Booking
	err := tx.GetContext(ctx, &b, lockBookingQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, rideRow{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, rideRow{}, err
	}

	rd, err := lockRide(ctx, tx, b.RideID)
	if err != nil {
		return Booking{}, rideRow{}, err
	}
	return b, rd, nil
}

const lockBookingQuery = `SELECT * FROM bookings WHERE id = $1 FOR UPDATE`

type pinMismatchError struct {
	remaining int
}

func (e *pinMismatchError) Error() string {
	return fmt.Sprintf("pickup pin does not match, %d attempts remaining", e.remaining)
}

// RemainingAttemptsFromError reports how many verification attempts remain
// before lockout when err is a pin mismatch.
func RemainingAttemptsFromError(err error) (int, bool) {
	var pme *pinMismatchError
	if errors.As(err, &pme) {
		return pme.remaining, true
	}
	return 0, false
}
