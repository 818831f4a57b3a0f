package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port     int
	AllowAll bool // allow all CORS origins (dev mode)
}

// SessionLog lists finished sessions.
type SessionLog interface {
	Recent(ctx context.Context, limit int) ([]session.Summary, error)
}

// Server exposes answer sessions over a websocket plus a small JSON API.
type Server struct {
	cfg        Config
	parties    *party.Registry
	sessions   http.Handler
	log        SessionLog
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server. sessions serves the websocket endpoint; log may be
// nil, in which case /api/sessions is not mounted.
func New(cfg Config, parties *party.Registry, sessions http.Handler, log SessionLog, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		parties:  parties,
		sessions: sessions,
		log:      log,
		logger:   logging.OrNop(logger),
	}

	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// CORS
	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Sessions outlive any request timeout.
	if s.sessions != nil {
		r.Handle("/ws", s.sessions)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/parties", s.handleParties)
		if s.log != nil {
			r.Get("/sessions", s.handleSessions)
		}
	})

	return r
}

// Router returns the chi router.
func (s *Server) Router() chi.Router { return s.router }

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("partychat server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked websocket connections
// are not tracked by net/http; the orchestrator ends their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleParties(w http.ResponseWriter, r *http.Request) {
	parties := s.parties.All()
	if parties == nil {
		parties = []party.Party{}
	}
	writeJSON(w, http.StatusOK, parties)
}

type sessionSummary struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	PartyIDs   []string  `json:"party_ids"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Cached     bool      `json:"cached"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 200"})
			return
		}
		limit = n
	}

	recent, err := s.log.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing sessions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not list sessions"})
		return
	}

	out := make([]sessionSummary, 0, len(recent))
	for _, sum := range recent {
		out = append(out, sessionSummary{
			ID:         sum.ID,
			Question:   sum.Question,
			PartyIDs:   sum.PartyIDs,
			State:      string(sum.State),
			ErrorKind:  string(sum.ErrorKind),
			Cached:     sum.Cached,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
