package domain

import "time"

// Profile document keys owned by the aggregate writer.
const (
	FieldAverageRating = "averageRating"
	FieldTotalRatings  = "totalRatings"
	FieldAggregateAt   = "aggregateUpdatedAt"
)

// WorkerProfile is the public worker document rendered by marketplace listings.
// Fields holds the free-form document, aggregate keys included.
type WorkerProfile struct {
	WorkerID  string
	Fields    map[string]any
	Aggregate *WorkerAggregate
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAggregateField reports whether key belongs to the aggregate projection.
func IsAggregateField(key string) bool {
	switch key {
	case FieldAverageRating, FieldTotalRatings, FieldAggregateAt:
		return true
	}
	return false
}
