package user

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// User is an account. Drivers and riders are the same kind of account; the
// role only matters per operation (owning the ride vs owning the booking).
type User struct {
	ID        uuid.UUID
	Subject   string         `db:"subject"`
	StripeID  sql.NullString `db:"stripe_id"`
	Email     sql.NullString `db:"email"`
	Name      sql.NullString `db:"name"`
	CreatedAt time.Time      `db:"created_at"`
}
