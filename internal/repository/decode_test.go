package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
)

func TestDecodeRatingDoc(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    int
	}{
		{"valid", `{"workerId":"w1","raterId":"r1","rating":4,"createdAt":"2024-01-01T00:00:00Z"}`, false, 4},
		{"float encoded integer", `{"workerId":"w1","raterId":"r1","rating":5.0,"createdAt":"2024-01-01T00:00:00Z"}`, false, 5},
		{"missing rating", `{"workerId":"w1","raterId":"r1","createdAt":"2024-01-01T00:00:00Z"}`, true, 0},
		{"missing rater", `{"workerId":"w1","rating":3,"createdAt":"2024-01-01T00:00:00Z"}`, true, 0},
		{"null created", `{"workerId":"w1","raterId":"r1","rating":3,"createdAt":null}`, true, 0},
		{"fractional", `{"workerId":"w1","raterId":"r1","rating":3.5,"createdAt":"2024-01-01T00:00:00Z"}`, true, 0},
		{"out of range", `{"workerId":"w1","raterId":"r1","rating":0,"createdAt":"2024-01-01T00:00:00Z"}`, true, 0},
		{"string rating", `{"workerId":"w1","raterId":"r1","rating":"4","createdAt":"2024-01-01T00:00:00Z"}`, true, 0},
		{"foreign worker", `{"workerId":"w2","raterId":"r1","rating":4,"createdAt":"2024-01-01T00:00:00Z"}`, true, 0},
		{"not an object", `[1,2,3]`, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRatingDoc("id-1", "w1", []byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRecord) {
					t.Fatalf("err = %v, want ErrMalformedRecord", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Rating != tt.want || got.ID != "id-1" {
				t.Fatalf("got %+v, want rating %d", got, tt.want)
			}
		})
	}
}

func TestDecodeRatingDocFields(t *testing.T) {
	raw := `{"workerId":"w1","raterId":"r9","rating":2,"createdAt":"2024-05-06T07:08:09.5Z","note":"ignored"}`
	got, err := decodeRatingDoc("id-7", "w1", []byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := domain.RatingRecord{
		ID:        "id-7",
		WorkerID:  "w1",
		RaterID:   "r9",
		Rating:    2,
		CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 500_000_000, time.UTC),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeProfileDoc(t *testing.T) {
	fields, agg, err := decodeProfileDoc([]byte(`{"name":"Sam"}`))
	if err != nil || agg != nil || fields["name"] != "Sam" {
		t.Fatalf("plain profile: fields=%v agg=%v err=%v", fields, agg, err)
	}

	_, agg, err = decodeProfileDoc([]byte(`{"averageRating":4.5,"totalRatings":2,"aggregateUpdatedAt":"2024-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("aggregate profile: %v", err)
	}
	want := domain.WorkerAggregate{AverageRating: 4.5, TotalRatings: 2, UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	if *agg != want {
		t.Fatalf("agg = %+v, want %+v", *agg, want)
	}

	bad := []string{
		`{"averageRating":4.5}`,
		`{"averageRating":"4.5","totalRatings":2,"aggregateUpdatedAt":"2024-03-01T10:00:00Z"}`,
		`{"averageRating":7,"totalRatings":2,"aggregateUpdatedAt":"2024-03-01T10:00:00Z"}`,
		`{"averageRating":4,"totalRatings":-1,"aggregateUpdatedAt":"2024-03-01T10:00:00Z"}`,
		`{"averageRating":4,"totalRatings":1.5,"aggregateUpdatedAt":"2024-03-01T10:00:00Z"}`,
		`{"averageRating":4,"totalRatings":1,"aggregateUpdatedAt":"yesterday"}`,
	}
	for _, raw := range bad {
		if _, _, err := decodeProfileDoc([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func FuzzDecodeRatingDoc(f *testing.F) {
	seeds := []string{
		`{"workerId":"w1","raterId":"r1","rating":4,"createdAt":"2024-01-01T00:00:00Z"}`,
		`{"rating":1e300}`,
		`{}`,
		``,
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		record, err := decodeRatingDoc("id", "w1", []byte(raw))
		if err != nil {
			return
		}
		if verr := record.Validate(); verr != nil {
			t.Fatalf("decoded record fails validation: %v", verr)
		}
	})
}
