package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/referral-tracker/internal/fanout"
	"github.com/referral-tracker/internal/models"
)

// updateEvent is the SSE event name carrying a new snapshot
const updateEvent = "p-update"

// handleStream pushes every snapshot recorded for the promoter until the
// client goes away. Browsers cannot set headers on EventSource, so the
// user may also be given as ?userId=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = bearer(r)
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if _, err := s.promoters.Get(r.Context(), userID, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	topic := fanout.Topic{PromoterID: id, UserID: userID}
	sub := s.hub.Subscribe(topic)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	log := s.log.WithPromoterID(id)
	log.Debug().Str("user_id", userID).Msg("Stream opened")
	defer func() { log.Debug().Str("user_id", userID).Msg("Stream closed") }()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, updateEvent, snapshot); err != nil {
				log.Warn().Err(err).Msg("Failed to write stream event")
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, snapshot *models.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, snapshot.ID, data)
	return err
}
