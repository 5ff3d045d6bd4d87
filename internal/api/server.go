// Package api serves the operator HTTP surface: a health check and JSON
// endpoints for managing release feed subscriptions.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/statch/gitbot-sub000/internal/feed"
	"github.com/statch/gitbot-sub000/internal/storage"
)

const requestTimeout = 30 * time.Second

// Subscriptions is the subscription management surface.
type Subscriptions interface {
	AddSubscription(ctx context.Context, guildID, channelID int64, ref string, mention *storage.Mention) (string, error)
	RemoveSubscription(ctx context.Context, guildID, channelID int64, ref string) error
	ListSubscriptions(ctx context.Context, guildID int64) ([]storage.FeedItem, error)
	RequestBacklog(ctx context.Context, guildID, channelID int64, ref string, n int) error
	SetLocale(ctx context.Context, guildID int64, lang string) error
}

// WorkerStatus reports the state of the feed worker.
type WorkerStatus interface {
	State() feed.State
	LastTick() *feed.TickStats
}

// Server holds the HTTP handlers.
type Server struct {
	subs   Subscriptions
	worker WorkerStatus
	token  string
	log    zerolog.Logger
	start  time.Time
}

// NewServer creates the handlers. worker may be nil when the feed worker is
// disabled; token may be empty to leave the guild endpoints unauthenticated.
func NewServer(subs Subscriptions, worker WorkerStatus, token string, log zerolog.Logger) *Server {
	return &Server{
		subs:   subs,
		worker: worker,
		token:  token,
		log:    log,
		start:  time.Now(),
	}
}

// Router returns the chi router serving all endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/guilds/{guildID}", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleAddFeed)
		r.Delete("/feeds/{channelID}/repos/{owner}/{name}", s.handleRemoveRepo)
		r.Post("/feeds/{channelID}/backlog", s.handleBacklog)
		r.Put("/locale", s.handleSetLocale)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("Rejected API request with invalid token")
			writeError(w, http.StatusUnauthorized, "invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
