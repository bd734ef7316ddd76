package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Rating bounds accepted by the rating collection.
const (
	MinRating = 1
	MaxRating = 5
)

// ErrInvalidRating is returned by Validate for records that violate the rating shape.
var ErrInvalidRating = errors.New("domain: invalid rating record")

// RatingRecord is one rater's score for one worker. Records are immutable once stored.
type RatingRecord struct {
	ID        string
	WorkerID  string
	RaterID   string
	Rating    int
	CreatedAt time.Time
}

// Validate reports whether the record carries every field the aggregate depends on.
func (r RatingRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.WorkerID) == "":
		return fmt.Errorf("%w: missing workerId", ErrInvalidRating)
	case strings.TrimSpace(r.RaterID) == "":
		return fmt.Errorf("%w: missing raterId", ErrInvalidRating)
	case r.Rating < MinRating || r.Rating > MaxRating:
		return fmt.Errorf("%w: rating %d outside %d..%d", ErrInvalidRating, r.Rating, MinRating, MaxRating)
	}
	return nil
}

// WorkerAggregate is the mean and count projection stored on a worker profile.
type WorkerAggregate struct {
	AverageRating float64
	TotalRatings  int64
	UpdatedAt     time.Time
}
