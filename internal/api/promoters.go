package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/registry"
	"github.com/referral-tracker/internal/storage"
)

func (s *Server) handleListPromoters(w http.ResponseWriter, r *http.Request) {
	views, err := s.promoters.List(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreatePromoter(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	p, err := s.promoters.Create(r.Context(), userFromContext(r.Context()), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPromoter(w http.ResponseWriter, r *http.Request) {
	view, err := s.promoters.Get(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdatePromoter(w http.ResponseWriter, r *http.Request) {
	var in registry.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	p, err := s.promoters.Update(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePromoter(w http.ResponseWriter, r *http.Request) {
	if err := s.promoters.Delete(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Promoter deleted"})
}

func (s *Server) handleManualRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.promoters.ManualRun(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Manual run added", "jobId": job.ID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filter, err := parseHistoryFilter(r, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.promoters.History(r.Context(), userFromContext(r.Context()), id, filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func parseHistoryFilter(r *http.Request, promoterID string) (storage.SnapshotFilter, error) {
	q := r.URL.Query()
	filter := storage.DefaultSnapshotFilter(promoterID)

	filter.Page = parseIntDefault(q.Get("page"), filter.Page)
	filter.PageSize = parseIntDefault(q.Get("pageSize"), filter.PageSize)

	if sort := q.Get("sort"); sort != "" {
		if !storage.ValidSnapshotSortKey(sort) {
			return filter, badRequest("Invalid sort key")
		}
		filter.OrderBy = sort
	}

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
		filter.OrderDesc = true
	case "asc":
		filter.OrderDesc = false
	default:
		return filter, badRequest("Invalid sort order")
	}

	if status := strings.ToUpper(q.Get("status")); status != "" {
		st := models.SnapshotStatus(status)
		if st != models.SnapshotSuccess && st != models.SnapshotFailed {
			return filter, badRequest("Invalid status")
		}
		filter.Status = &st
	}

	return filter.Normalize(), nil
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
