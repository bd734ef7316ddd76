package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
)

// ProfilesRepository manages worker profile documents. Aggregate fields are only
// written through MergeAggregate.
type ProfilesRepository struct {
	pool *pgxpool.Pool
}

// Get loads a profile document.
func (r *ProfilesRepository) Get(ctx context.Context, workerID string) (domain.WorkerProfile, error) {
	const query = `SELECT doc, created_at, updated_at FROM worker_profiles WHERE worker_id = $1`
	row := r.pool.QueryRow(ctx, query, workerID)
	profile, err := scanProfile(workerID, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkerProfile{}, ErrNotFound
		}
		return domain.WorkerProfile{}, err
	}
	return profile, nil
}

// Upsert merges fields into the profile document, creating it when absent.
// Keys owned by the aggregate are rejected.
func (r *ProfilesRepository) Upsert(ctx context.Context, workerID string, fields map[string]any) (domain.WorkerProfile, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.WorkerProfile{}, fmt.Errorf("upsert profile: empty worker id")
	}
	for key := range fields {
		if domain.IsAggregateField(key) {
			return domain.WorkerProfile{}, fmt.Errorf("%w: %s", ErrReservedField, key)
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return domain.WorkerProfile{}, fmt.Errorf("encode profile: %w", err)
	}

	const query = `
        INSERT INTO worker_profiles (worker_id, doc)
        VALUES ($1, $2::jsonb)
        ON CONFLICT (worker_id)
        DO UPDATE SET doc = worker_profiles.doc || EXCLUDED.doc, updated_at = now()
        RETURNING doc, created_at, updated_at
    `
	return scanProfile(workerID, r.pool.QueryRow(ctx, query, workerID, string(doc)))
}

// MergeAggregate overwrites the aggregate keys of the profile document and leaves
// every other field untouched. When createMissing is false an absent profile yields
// ErrProfileNotFound instead of being created.
func (r *ProfilesRepository) MergeAggregate(ctx context.Context, workerID string, agg domain.WorkerAggregate, createMissing bool) error {
	patch, err := json.Marshal(map[string]any{
		domain.FieldAverageRating: agg.AverageRating,
		domain.FieldTotalRatings:  agg.TotalRatings,
		domain.FieldAggregateAt:   agg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}

	if createMissing {
		const upsert = `
            INSERT INTO worker_profiles (worker_id, doc)
            VALUES ($1, $2::jsonb)
            ON CONFLICT (worker_id)
            DO UPDATE SET doc = worker_profiles.doc || EXCLUDED.doc, updated_at = now()
        `
		if _, err := r.pool.Exec(ctx, upsert, workerID, string(patch)); err != nil {
			return unavailable("merge aggregate", err)
		}
		return nil
	}

	const update = `
        UPDATE worker_profiles
        SET doc = doc || $2::jsonb,
            updated_at = now()
        WHERE worker_id = $1
    `
	tag, err := r.pool.Exec(ctx, update, workerID, string(patch))
	if err != nil {
		return unavailable("merge aggregate", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// ListIDs returns every worker id that has a profile document.
func (r *ProfilesRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT worker_id FROM worker_profiles ORDER BY worker_id`)
	if err != nil {
		return nil, unavailable("list profiles", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("list profiles", err)
	}
	return ids, nil
}

func scanProfile(workerID string, row pgx.Row) (domain.WorkerProfile, error) {
	var (
		raw       []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&raw, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkerProfile{}, err
		}
		return domain.WorkerProfile{}, unavailable("scan profile", err)
	}

	fields, agg, err := decodeProfileDoc(raw)
	if err != nil {
		return domain.WorkerProfile{}, fmt.Errorf("%w: profile %s: %v", ErrMalformedRecord, workerID, err)
	}
	return domain.WorkerProfile{
		WorkerID:  workerID,
		Fields:    fields,
		Aggregate: agg,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// decodeProfileDoc returns the document fields and the embedded aggregate, if any.
// A partially present or mistyped aggregate is an error.
func decodeProfileDoc(raw []byte) (map[string]any, *domain.WorkerAggregate, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, nil, err
	}

	avgRaw, hasAvg := fields[domain.FieldAverageRating]
	totalRaw, hasTotal := fields[domain.FieldTotalRatings]
	atRaw, hasAt := fields[domain.FieldAggregateAt]
	if !hasAvg && !hasTotal && !hasAt {
		return fields, nil, nil
	}
	if !hasAvg || !hasTotal || !hasAt {
		return nil, nil, fmt.Errorf("incomplete aggregate")
	}

	avgNum, ok := avgRaw.(json.Number)
	if !ok {
		return nil, nil, fmt.Errorf("%s is not a number", domain.FieldAverageRating)
	}
	avg, err := avgNum.Float64()
	if err != nil || avg < 0 || avg > domain.MaxRating {
		return nil, nil, fmt.Errorf("%s out of range", domain.FieldAverageRating)
	}
	totalNum, ok := totalRaw.(json.Number)
	if !ok {
		return nil, nil, fmt.Errorf("%s is not a number", domain.FieldTotalRatings)
	}
	total, err := totalNum.Int64()
	if err != nil || total < 0 {
		return nil, nil, fmt.Errorf("%s must be a non-negative integer", domain.FieldTotalRatings)
	}
	atStr, ok := atRaw.(string)
	if !ok {
		return nil, nil, fmt.Errorf("%s is not a string", domain.FieldAggregateAt)
	}
	at, err := time.Parse(time.RFC3339Nano, atStr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", domain.FieldAggregateAt, err)
	}

	return fields, &domain.WorkerAggregate{
		AverageRating: avg,
		TotalRatings:  total,
		UpdatedAt:     at.UTC(),
	}, nil
}
