package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/referral-tracker/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// writeServiceError maps registry errors onto status codes. Unknown errors
// are logged and hidden from the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "Promoter not found")
	default:
		s.log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
