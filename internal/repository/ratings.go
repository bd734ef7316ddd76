package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
)

// RatingsRepository reads and writes rating documents keyed by worker id.
type RatingsRepository struct {
	pool *pgxpool.Pool
}

// RatingCreateParams captures the payload required to store a rating.
type RatingCreateParams struct {
	WorkerID string
	RaterID  string
	Rating   int
}

// ratingDoc is the stored JSON shape. Pointers let decode tell missing from zero.
type ratingDoc struct {
	WorkerID  *string    `json:"workerId"`
	RaterID   *string    `json:"raterId"`
	Rating    *float64   `json:"rating"`
	CreatedAt *time.Time `json:"createdAt"`
}

// Create stores a new immutable rating document.
func (r *RatingsRepository) Create(ctx context.Context, params RatingCreateParams) (domain.RatingRecord, error) {
	record := domain.RatingRecord{
		ID:        uuid.NewString(),
		WorkerID:  strings.TrimSpace(params.WorkerID),
		RaterID:   strings.TrimSpace(params.RaterID),
		Rating:    params.Rating,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := record.Validate(); err != nil {
		return domain.RatingRecord{}, err
	}

	value := float64(record.Rating)
	doc, err := json.Marshal(ratingDoc{
		WorkerID:  &record.WorkerID,
		RaterID:   &record.RaterID,
		Rating:    &value,
		CreatedAt: &record.CreatedAt,
	})
	if err != nil {
		return domain.RatingRecord{}, fmt.Errorf("encode rating: %w", err)
	}

	const query = `
        INSERT INTO ratings (id, worker_id, doc, created_at)
        VALUES ($1, $2, $3::jsonb, $4)
    `
	if _, err := r.pool.Exec(ctx, query, record.ID, record.WorkerID, string(doc), record.CreatedAt); err != nil {
		return domain.RatingRecord{}, unavailable("insert rating", err)
	}
	return record, nil
}

// ListByWorker returns every rating document for the worker, unordered and unpaginated.
func (r *RatingsRepository) ListByWorker(ctx context.Context, workerID string) ([]domain.RatingRecord, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("list ratings: empty worker id")
	}

	const query = `SELECT id::text, doc FROM ratings WHERE worker_id = $1`
	rows, err := r.pool.Query(ctx, query, workerID)
	if err != nil {
		return nil, unavailable("query ratings", err)
	}
	defer rows.Close()

	records := make([]domain.RatingRecord, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, unavailable("scan rating", err)
		}
		record, err := decodeRatingDoc(id, workerID, raw)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate ratings", err)
	}
	return records, nil
}

// Get fetches a single rating by id.
func (r *RatingsRepository) Get(ctx context.Context, id string) (domain.RatingRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.RatingRecord{}, ErrNotFound
	}

	const query = `SELECT worker_id, doc FROM ratings WHERE id = $1`
	var (
		workerID string
		raw      []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&workerID, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RatingRecord{}, ErrNotFound
		}
		return domain.RatingRecord{}, unavailable("get rating", err)
	}
	return decodeRatingDoc(id, workerID, raw)
}

func decodeRatingDoc(id, workerKey string, raw []byte) (domain.RatingRecord, error) {
	var doc ratingDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.RatingRecord{}, fmt.Errorf("%w: rating %s: %v", ErrMalformedRecord, id, err)
	}
	if doc.WorkerID == nil || doc.RaterID == nil || doc.Rating == nil || doc.CreatedAt == nil {
		return domain.RatingRecord{}, fmt.Errorf("%w: rating %s: missing field", ErrMalformedRecord, id)
	}
	if *doc.WorkerID != workerKey {
		return domain.RatingRecord{}, fmt.Errorf("%w: rating %s: workerId %q stored under %q", ErrMalformedRecord, id, *doc.WorkerID, workerKey)
	}
	value := *doc.Rating
	if value != math.Trunc(value) || math.Abs(value) > math.MaxInt32 {
		return domain.RatingRecord{}, fmt.Errorf("%w: rating %s: non-integer rating %v", ErrMalformedRecord, id, value)
	}

	record := domain.RatingRecord{
		ID:        id,
		WorkerID:  *doc.WorkerID,
		RaterID:   *doc.RaterID,
		Rating:    int(value),
		CreatedAt: doc.CreatedAt.UTC(),
	}
	if err := record.Validate(); err != nil {
		return domain.RatingRecord{}, fmt.Errorf("%w: rating %s: %v", ErrMalformedRecord, id, err)
	}
	return record, nil
}
