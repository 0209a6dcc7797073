package booking

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

type PickupStatus string

const (
	PickupPending PickupStatus = "pending"
	PickupDone    PickupStatus = "picked_up"
)

// transitions is the closed set of legal lifecycle edges. Every status
// change in this package goes through CanTransition; there is no other
// authority on what moves are allowed.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusRejected, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Booking is one rider's request for seats on one ride.
type Booking struct {
	ID      uuid.UUID
	RideID  uuid.UUID `db:"ride_id"`
	RiderID uuid.UUID `db:"rider_id"`

	Seats       int          `db:"seats"`
	PickupPoint pgtype.Point `db:"pickup_point"`

	Status       Status
	PickupStatus PickupStatus `db:"pickup_status"`

	// PaymentRef is the authorization reference from the payment
	// collaborator, recorded at creation. Capture happens elsewhere.
	PaymentRef sql.NullString `db:"payment_ref"`

	// Pickup credential, set when the booking is confirmed. The hash is
	// the only thing verification ever reads; the encrypted form exists
	// purely so the rider can be shown the code.
	PinHash        sql.NullString `db:"pin_hash"`
	PinEncrypted   sql.NullString `db:"pin_encrypted"`
	PinExpiresAt   sql.NullTime   `db:"pin_expires_at"`
	PinAttempts    int            `db:"pin_attempts"`
	PinLockedUntil sql.NullTime   `db:"pin_locked_until"`

	PickedUpAt sql.NullTime `db:"picked_up_at"`
	CreatedAt  time.Time    `db:"created_at"`
}
