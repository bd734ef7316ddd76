package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/crew-ratings/internal/store"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrStoreUnavailable wraps any failure to reach or query the database.
	ErrStoreUnavailable = errors.New("repository: store unavailable")
	// ErrMalformedRecord marks a stored document that does not match the expected shape.
	ErrMalformedRecord = errors.New("repository: malformed record")
	// ErrProfileNotFound is returned by aggregate writes when the profile document is absent
	// and creation is not allowed.
	ErrProfileNotFound = errors.New("repository: worker profile not found")
	// ErrReservedField rejects profile updates that touch aggregate-owned keys.
	ErrReservedField = errors.New("repository: reserved profile field")
)

// Repository aggregates all domain-specific repositories.
type Repository struct {
	Ratings  *RatingsRepository
	Profiles *ProfilesRepository
}

// New constructs a Repository backed by the provided store.
func New(st *store.Store) *Repository {
	return NewWithPool(st.Pool())
}

// NewWithPool allows constructing repositories directly from a pgx pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{
		Ratings:  &RatingsRepository{pool: pool},
		Profiles: &ProfilesRepository{pool: pool},
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
