// Package api is the HTTP surface: promoter CRUD, manual runs, history and
// the live update stream.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/referral-tracker/internal/fanout"
	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/queue"
	"github.com/referral-tracker/internal/registry"
	"github.com/referral-tracker/internal/storage"
	"github.com/referral-tracker/pkg/logger"
)

// Promoters is the registry as used by the handlers
type Promoters interface {
	Create(ctx context.Context, userID string, in registry.CreateInput) (*models.Promoter, error)
	Update(ctx context.Context, userID, id string, in registry.UpdateInput) (*models.Promoter, error)
	Delete(ctx context.Context, userID, id string) error
	ManualRun(ctx context.Context, userID, id string) (*queue.Job, error)
	Get(ctx context.Context, userID, id string) (*registry.PromoterView, error)
	List(ctx context.Context, userID string) ([]*registry.PromoterView, error)
	History(ctx context.Context, userID, id string, filter storage.SnapshotFilter) (*registry.HistoryPage, error)
}

// QueueStats reports queue depth for the health endpoint
type QueueStats interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Subscriber opens live update subscriptions
type Subscriber interface {
	Subscribe(topic fanout.Topic) *fanout.Subscription
}

// Config holds HTTP settings
type Config struct {
	Heartbeat   time.Duration
	CORSOrigins []string
}

// Server serves the HTTP API
type Server struct {
	promoters Promoters
	hub       Subscriber
	queue     QueueStats
	cfg       Config
	log       *logger.Logger
}

// NewServer creates an API server. stats may be nil.
func NewServer(promoters Promoters, hub Subscriber, stats QueueStats, cfg Config, log *logger.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Server{
		promoters: promoters,
		hub:       hub,
		queue:     stats,
		cfg:       cfg,
		log:       log.WithComponent("api"),
	}
}

// Router wires every route under a single chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(s.cors)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/sse/{id}", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/promoters", s.handleListPromoters)
		r.Post("/promoters", s.handleCreatePromoter)
		r.Route("/promoters/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPromoter)
			r.Patch("/", s.handleUpdatePromoter)
			r.Delete("/", s.handleDeletePromoter)
			r.Get("/history", s.handleHistory)
		})
		r.Get("/manual-run/{id}", s.handleManualRun)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"ok": true}
	if s.queue != nil {
		counts, err := s.queue.Counts(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
			return
		}
		payload["queue"] = counts
	}
	writeJSON(w, http.StatusOK, payload)
}

type userContextKey struct{}

// requireUser resolves the bearer identity. The token is the user id issued
// by the identity provider.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := bearer(r)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	allowAll := false
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
