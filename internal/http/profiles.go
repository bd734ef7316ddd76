package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/Clark-Hu/crew-ratings/internal/domain"
	"github.com/Clark-Hu/crew-ratings/internal/repository"
)

type profileResponse struct {
	WorkerID  string             `json:"workerId"`
	Fields    map[string]any     `json:"fields"`
	Aggregate *aggregateResponse `json:"aggregate"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorkerParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	profile, err := s.repo.Profiles.Get(r.Context(), workerID)
	if err != nil {
		s.respondStoreError(w, err, "Failed to fetch profile")
		return
	}
	s.respondJSON(w, http.StatusOK, toProfileResponse(profile))
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}
	workerID, err := decodeWorkerParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	var fields map[string]any
	if err := decodeJSONBody(w, r, &fields); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	if fields == nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "profile body must be a JSON object")
		return
	}

	profile, err := s.repo.Profiles.Upsert(r.Context(), workerID, fields)
	if err != nil {
		if errors.Is(err, repository.ErrReservedField) {
			s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
			return
		}
		s.respondStoreError(w, err, "Failed to save profile")
		return
	}
	s.respondJSON(w, http.StatusOK, toProfileResponse(profile))
}

// toProfileResponse splits the aggregate keys out of the free-form fields.
func toProfileResponse(profile domain.WorkerProfile) profileResponse {
	fields := make(map[string]any, len(profile.Fields))
	for k, v := range profile.Fields {
		if domain.IsAggregateField(k) {
			continue
		}
		fields[k] = v
	}
	return profileResponse{
		WorkerID:  profile.WorkerID,
		Fields:    fields,
		Aggregate: toAggregateResponse(profile.Aggregate),
		CreatedAt: profile.CreatedAt,
		UpdatedAt: profile.UpdatedAt,
	}
}
