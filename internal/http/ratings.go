package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
	"github.com/Clark-Hu/crew-ratings/internal/lock"
	"github.com/Clark-Hu/crew-ratings/internal/ratingsync"
	"github.com/Clark-Hu/crew-ratings/internal/repository"
)

const maxRequestBody = 1 << 20 // 1 MiB

const codeStoreUnavailable = "STORE_UNAVAILABLE"

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ratingRequest struct {
	Rating *int `json:"rating"`
}

type ratingResponse struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"workerId"`
	RaterID   string    `json:"raterId"`
	Rating    int       `json:"rating"`
	CreatedAt time.Time `json:"createdAt"`
}

type ratingListResponse struct {
	Items []ratingResponse `json:"items"`
	Count int              `json:"count"`
}

type aggregateResponse struct {
	AverageRating float64    `json:"averageRating"`
	DisplayRating float64    `json:"displayRating"`
	TotalRatings  int64      `json:"totalRatings"`
	UpdatedAt     *time.Time `json:"updatedAt"`
}

type submitRatingResponse struct {
	Rating    ratingResponse     `json:"rating"`
	Aggregate *aggregateResponse `json:"aggregate"`
	SyncError string             `json:"syncError,omitempty"`
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorkerParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	raterID := strings.TrimSpace(r.Header.Get("X-Rater-Id"))
	if raterID == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	value, err := parseRatingBody(r.Body)
	if err != nil {
		var verr validationError
		if errors.As(err, &verr) {
			s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", verr.Error())
			return
		}
		s.respondDecodeError(w, err)
		return
	}

	record, err := s.repo.Ratings.Create(r.Context(), repository.RatingCreateParams{
		WorkerID: workerID,
		RaterID:  raterID,
		Rating:   value,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRating) {
			s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
			return
		}
		s.respondStoreError(w, err, "Failed to store rating")
		return
	}
	s.metrics.RatingsCreated.Inc()

	resp := submitRatingResponse{Rating: toRatingResponse(record)}
	agg, err := s.refresher.Refresh(r.Context(), workerID)
	if err != nil {
		// The record is stored; the aggregate stays stale until the next trigger.
		s.logger.Warn("aggregate refresh after rating failed", zap.String("worker_id", workerID), zap.Error(err))
		resp.SyncError = errorCode(err)
	} else {
		resp.Aggregate = toAggregateResponse(&agg)
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListRatings(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorkerParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	records, err := s.repo.Ratings.ListByWorker(r.Context(), workerID)
	if err != nil {
		s.respondStoreError(w, err, "Failed to list ratings")
		return
	}

	items := make([]ratingResponse, 0, len(records))
	for _, record := range records {
		items = append(items, toRatingResponse(record))
	}
	s.respondJSON(w, http.StatusOK, ratingListResponse{Items: items, Count: len(items)})
}

func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorkerParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	profile, err := s.repo.Profiles.Get(r.Context(), workerID)
	if err != nil {
		s.respondStoreError(w, err, "Failed to fetch rating")
		return
	}
	s.respondJSON(w, http.StatusOK, toAggregateResponse(profile.Aggregate))
}

func (s *Server) handleSyncRating(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}
	workerID, err := decodeWorkerParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	agg, err := s.refresher.Refresh(r.Context(), workerID)
	if err != nil {
		s.respondStoreError(w, err, "Failed to refresh rating")
		return
	}
	s.respondJSON(w, http.StatusOK, toAggregateResponse(&agg))
}

type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

// parseRatingBody decodes {"rating": n} and checks the 1..5 range.
func parseRatingBody(body io.Reader) (int, error) {
	var req ratingRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return 0, err
	}
	if req.Rating == nil {
		return 0, validationError{"rating is required"}
	}
	if *req.Rating < domain.MinRating || *req.Rating > domain.MaxRating {
		return 0, validationError{fmt.Sprintf("rating must be an integer between %d and %d", domain.MinRating, domain.MaxRating)}
	}
	return *req.Rating, nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("failed to encode response", zap.Error(err))
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

// respondStoreError maps repository and sync errors onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, err error, message string) {
	code := errorCode(err)
	switch code {
	case "NOT_FOUND":
		s.respondError(w, http.StatusNotFound, code, "Resource not found")
	case "BAD_REQUEST":
		s.respondError(w, http.StatusBadRequest, code, err.Error())
	case "SYNC_BUSY", codeStoreUnavailable:
		s.logger.Warn(message, zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, code, message)
	default:
		s.logger.Error(message, zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, code, message)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrProfileNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ratingsync.ErrEmptyWorkerID):
		return "BAD_REQUEST"
	case errors.Is(err, lock.ErrNotAcquired):
		return "SYNC_BUSY"
	case errors.Is(err, repository.ErrMalformedRecord):
		return "MALFORMED_RECORD"
	case errors.Is(err, repository.ErrStoreUnavailable):
		return codeStoreUnavailable
	}
	return "INTERNAL_ERROR"
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Malformed JSON payload")
	case errors.As(err, &typeError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Invalid value for field %s", typeError.Field))
	case errors.As(err, &maxBytesError):
		s.respondError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "Request body too large")
	case errors.Is(err, io.EOF):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body cannot be empty")
	default:
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to parse request body")
	}
}

func toRatingResponse(record domain.RatingRecord) ratingResponse {
	return ratingResponse{
		ID:        record.ID,
		WorkerID:  record.WorkerID,
		RaterID:   record.RaterID,
		Rating:    record.Rating,
		CreatedAt: record.CreatedAt,
	}
}

// toAggregateResponse renders a missing aggregate as zeros so listings never show null.
func toAggregateResponse(agg *domain.WorkerAggregate) *aggregateResponse {
	if agg == nil {
		return &aggregateResponse{}
	}
	resp := &aggregateResponse{
		AverageRating: agg.AverageRating,
		DisplayRating: roundToOneDecimal(agg.AverageRating),
		TotalRatings:  agg.TotalRatings,
	}
	if !agg.UpdatedAt.IsZero() {
		at := agg.UpdatedAt
		resp.UpdatedAt = &at
	}
	return resp
}

// decodeWorkerParam reads {workerID}. chi matches on RawPath when the request
// carries escapes that Path cannot represent, and only then is the value still
// percent-encoded.
func decodeWorkerParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "workerID")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(id)
		if err != nil {
			return "", fmt.Errorf("invalid worker id parameter")
		}
		id = unescaped
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("missing worker id parameter")
	}
	if !utf8.ValidString(id) || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("invalid worker id parameter")
	}
	return id, nil
}

func (s *Server) verifyBearer(header string) bool {
	if header == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func roundToOneDecimal(value float64) float64 {
	return math.Round(value*10) / 10.0
}
