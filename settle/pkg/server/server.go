// Package server exposes the settlement core over HTTP: chain
// construction, settlement, ledger reads, and the admin compensation
// operations, plus health and prometheus endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/ledger"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/listing"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/settlement"
	"github.com/usenari-hub/zero-to-one-tool-sub000/utils/pkg/retry"
)

type Config struct {
	Logger   *slog.Logger
	Addr     string
	DB       *pgxpool.Pool
	Listings *listing.Store
	Chains   *chain.Store
	Ledger   *ledger.Store
	Engine   *settlement.Engine
	Retry    retry.Config
	Version  string

	// AdminRateLimit guards the compensation endpoints; zero means the
	// default of 60 requests per minute with a burst of 10.
	AdminRateLimit rate.Limit
	AdminBurst     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db pool is required")
	}
	if cfg.Listings == nil {
		return errors.New("listing store is required")
	}
	if cfg.Chains == nil {
		return errors.New("chain store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Engine == nil {
		return errors.New("settlement engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8080"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.AdminRateLimit == 0 {
		cfg.AdminRateLimit = rate.Every(time.Minute / 60)
	}
	if cfg.AdminBurst == 0 {
		cfg.AdminBurst = 10
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
	srv    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler exposes the router so tests can drive the server with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	adminLimiter := NewRateLimiter(s.cfg.AdminRateLimit, s.cfg.AdminBurst)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Method("GET", "/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/listings", s.handleCreateListing)
		r.Post("/chains", s.handleStartChain)
		r.Post("/chains/{id}/links", s.handleAppendLink)
		r.Get("/chains/{id}/degrees", s.handleDegreeBreakdown)
		r.Post("/links/{id}/confirm", s.handleConfirmLink)
		r.Post("/settlements", s.handleSettle)
		r.Get("/users/{id}/balance", s.handleBalance)
		r.Get("/users/{id}/ledger", s.handleLedgerHistory)

		r.Group(func(r chi.Router) {
			r.Use(adminLimiter.middleware)
			r.Post("/chains/{id}/expire", s.handleExpireChain)
			r.Post("/users/{id}/forfeit", s.handleForfeit)
			r.Post("/entries/{id}/reverse", s.handleReverse)
		})
	})
}

// Start serves until the context is canceled, then drains with a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server: stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.DB.Ping(ctx); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}
