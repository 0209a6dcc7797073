package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetBySubject(ctx context.Context, subject string) (*User, error) {
	var u User
	err := r.db.GetContext(ctx, &u, getBySubjectQuery, subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

const getBySubjectQuery = `SELECT * FROM users WHERE subject = $1`

func (r *Repository) Create(ctx context.Context, subject string) (*User, error) {
	var u User
	err := r.db.GetContext(ctx, &u, createUserQuery, uuid.New(), subject)
	return &u, err
}

const createUserQuery = `INSERT INTO users (id, subject, created_at) VALUES ($1, $2, now()) RETURNING *`

func (r *Repository) AddStripeID(ctx context.Context, subject, stripeID string) error {
	_, err := r.db.ExecContext(ctx, addStripeIDQuery, stripeID, subject)
	return err
}

const addStripeIDQuery = `UPDATE users SET stripe_id = $1 WHERE subject = $2`

func (r *Repository) UpdateProfile(ctx context.Context, subject, email, name string) error {
	_, err := r.db.ExecContext(ctx, updateProfileQuery, email, name, subject)
	return err
}

const updateProfileQuery = `UPDATE users SET email = NULLIF($1, ''), name = NULLIF($2, '') WHERE subject = $3`
