package ride

import (
	"database/sql/driver"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Status int

const (
	Scheduled Status = iota
	InProgress
	Completed
	Cancelled
)

// Ride is one published trip with a finite seat inventory.
type Ride struct {
	ID       uuid.UUID
	DriverID uuid.UUID `db:"driver_id"`

	Origin      pgtype.Point
	Destination pgtype.Point
	DepartsAt   time.Time `db:"departs_at"`

	// PricePerSeat is in the smallest currency unit.
	PricePerSeat int64 `db:"price_per_seat"`

	// TotalSeats is fixed at publish time. AvailableSeats only moves
	// through the Ledger and stays within [0, TotalSeats].
	TotalSeats     int `db:"total_seats"`
	AvailableSeats int `db:"available_seats"`

	Status    Status
	CreatedAt time.Time `db:"created_at"`
}

func (s Status) String() string {
	return [...]string{"scheduled", "in-progress", "completed", "cancelled"}[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Status) Scan(i any) error {
	var v string
	switch t := i.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		panic("invalid scan type")
	}
	switch v {
	case "scheduled":
		*s = Scheduled
	case "in-progress":
		*s = InProgress
	case "completed":
		*s = Completed
	case "cancelled":
		*s = Cancelled
	default:
		panic("invalid ride status " + v)
	}
	return nil
}
