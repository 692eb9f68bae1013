package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/msgarchive/internal/archive"
	"github.com/org/msgarchive/internal/audit"
	"github.com/org/msgarchive/internal/storage"
	"github.com/org/msgarchive/internal/telegram"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	WebhookSecret string

	// Ingest retry on retryable key service failures.
	RetryAttempts        int
	RetryInitialInterval time.Duration

	// Per-client request rate on the message routes; 0 disables limiting.
	RateLimit float64
	RateBurst int

	// Key clients by X-Forwarded-For; only safe behind a proxy that sets it.
	TrustProxy bool
}

// Deps are the components the server routes requests to.
type Deps struct {
	Repository storage.Repository
	Archive    *archive.Archive
	Sender     telegram.Sender
	Audit      *audit.Logger // optional; enables /access-log
}

// Server is the API server.
type Server struct {
	repo    storage.Repository
	archive *archive.Archive
	sender  telegram.Sender
	auditor *audit.Logger
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 200 * time.Millisecond
	}
	return &Server{
		repo:    deps.Repository,
		archive: deps.Archive,
		sender:  deps.Sender,
		auditor: deps.Audit,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(accessLogMiddleware)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", MetricsHandler())

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.cfg.TrustProxy).middleware)
		}

		r.Post("/webhook/{secret}", s.WebhookHandler)
		r.Get("/webhook/{secret}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
		})

		r.Get("/messages", s.MessagesHandler)
		r.Post("/messages/batch", s.BatchHandler)

		if s.auditor != nil {
			r.Get("/access-log", s.AccessLogHandler)
		}
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
