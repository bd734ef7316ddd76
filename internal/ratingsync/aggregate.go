package ratingsync

import "github.com/Clark-Hu/crew-ratings/internal/domain"

// ComputeAggregate returns the count and arithmetic mean of the ratings. It is pure
// and order independent; an empty input yields a zero aggregate rather than NaN.
// UpdatedAt is left for the caller to stamp.
func ComputeAggregate(records []domain.RatingRecord) domain.WorkerAggregate {
	if len(records) == 0 {
		return domain.WorkerAggregate{}
	}
	var sum int64
	for _, r := range records {
		sum += int64(r.Rating)
	}
	n := int64(len(records))
	return domain.WorkerAggregate{
		AverageRating: float64(sum) / float64(n),
		TotalRatings:  n,
	}
}
