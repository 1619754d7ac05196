// Package server is the composition root: it builds every dependency from
// the configuration, mounts the routes and runs the HTTP server.
//
// DEPENDENCY CHAIN:
//
//	config.Config
//	  └─ sqlite.DB ──────────────┬─ live.Hub (rooms + messages sources, access rules)
//	                             ├─ service.RoomService / MessageService (publish to hub)
//	                             └─ service.AuthService ── auth.TokenService
//	  handlers receive services; the websocket handler also gets the hub
//
// CONFIGURATION GATE:
// When the configuration does not validate, New does not fail. It builds a
// server whose every route answers 503 with the setup screen, so the
// operator sees what is missing instead of a crash loop.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/classhub/internal/auth"
	"github.com/sakif/classhub/internal/config"
	"github.com/sakif/classhub/internal/handler"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/metrics"
	"github.com/sakif/classhub/internal/middleware"
	sqliteRepo "github.com/sakif/classhub/internal/repository/sqlite"
	"github.com/sakif/classhub/internal/service"
	"github.com/sakif/classhub/internal/synthetic"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the live hub. Start closes
// both on the way out: the hub first so no subscription reads a closed DB.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Nil while gated.
	db     *sqliteRepo.DB
	hub    *live.Hub
	loc    *time.Location
	cfgErr error
}

// New creates a Server for cfg. It only returns an error for failures
// that happen after configuration validated, such as an unopenable
// database.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	// MIDDLEWARE ORDER MATTERS:
	// RequestID first so the logger can print it; Recoverer innermost of
	// the chi set so a panic still produces a logged 500.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	if err := cfg.Validate(); err != nil {
		s.cfgErr = err
		logger.Error("configuration invalid, serving setup screen", slog.String("error", err.Error()))
		if err := s.setupGate(err); err != nil {
			return nil, fmt.Errorf("setting up configuration gate: %w", err)
		}
		return s, nil
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("loading time zone: %w", err)
	}
	s.loc = loc

	if err := ensureDBDir(cfg.DBPath); err != nil {
		return nil, err
	}

	db, err := sqliteRepo.New(cfg.DBPath, cfg.AppID)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func ensureDBDir(dbPath string) error {
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file:") {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	return nil
}

func (s *Server) setupGate(cfgErr error) error {
	pages, err := handler.NewPages(nil, false, s.logger)
	if err != nil {
		return err
	}
	gate := pages.Gate(cfgErr)
	s.router.Handle("/", gate)
	s.router.Handle("/*", gate)
	return nil
}

// setupRoutes builds the dependency chain and mounts the routes.
//
// ROUTE STRUCTURE:
// GET    /                              → login, permission-denied or app screen (HTML)
// GET    /healthz                       → liveness + DB ping
// GET    /metrics                       → prometheus
// GET    /auth/{provider}/login         → start OAuth
// GET    /auth/{provider}/callback      → finish OAuth
// POST   /auth/guest                    → anonymous sign-in
// POST   /auth/logout                   → clear session cookie
// GET    /live                          → websocket session            [auth]
// GET    /api/me                        → current user                 [auth]
// GET    /api/rooms                     → projected lobby              [auth]
// POST   /api/rooms                     → create room                  [auth]
// DELETE /api/rooms/{id}                → delete room                  [auth]
// GET    /api/rooms/{id}/preview        → last messages of a room      [auth]
// GET    /api/rooms/{id}/messages       → transcript                   [auth]
// POST   /api/rooms/{id}/messages       → send message                 [auth]
// POST   /api/messages/{id}/reactions   → toggle reaction              [auth]
// DELETE /api/messages/{id}             → delete message               [auth]
func (s *Server) setupRoutes() error {
	cfg := s.config

	topics := cfg.Topics
	if len(topics) == 0 {
		topics = synthetic.DefaultTopics
	}
	injector := synthetic.New(topics, s.loc)
	rules := live.Rules{AllowGuests: cfg.AllowGuests}

	s.hub = live.NewHub(s.db, s.db, rules, s.logger, s.metrics)

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.SessionTTL())
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	authService := service.NewAuthService(s.db, tokens, cfg.AllowedOrigins, s.logger)
	roomService := service.NewRoomService(s.db, s.hub, s.metrics, s.logger)
	messageService := service.NewMessageService(s.db, s.hub, int64(cfg.MaxDocumentSize), s.metrics, s.logger)

	var providers []auth.Provider
	if cfg.Auth.GitHub.Enabled() {
		providers = append(providers, auth.NewGitHubProvider(cfg.Auth.GitHub.ClientID, cfg.Auth.GitHub.ClientSecret, cfg.Auth.GitHub.CallbackURL))
	}
	if cfg.Auth.Google.Enabled() {
		providers = append(providers, auth.NewGoogleProvider(cfg.Auth.Google.ClientID, cfg.Auth.Google.ClientSecret, cfg.Auth.Google.CallbackURL))
	}
	providerNames := make([]string, 0, len(providers))
	for _, p := range providers {
		providerNames = append(providerNames, p.Name())
	}

	pages, err := handler.NewPages(providerNames, cfg.AllowGuests, s.logger)
	if err != nil {
		return fmt.Errorf("parsing templates: %w", err)
	}

	secureCookie := strings.HasPrefix(cfg.BaseURL, "https://")

	pageHandler := handler.NewPageHandler(pages, rules, authService, s.logger)
	authHandler := handler.NewAuthHandler(providers, authService, pages, secureCookie, s.logger)
	roomHandler := handler.NewRoomHandler(roomService, s.db, s.db, injector, rules, authService, s.logger)
	messageHandler := handler.NewMessageHandler(messageService, s.db, rules, authService, s.logger)
	liveHandler := handler.NewLiveHandler(s.hub, roomService, messageService, injector, authService, authService,
		int64(cfg.MaxFrameSize), s.metrics, s.logger)

	requireAuth := auth.RequireAuth(tokens)

	s.router.With(auth.OptionalAuth(tokens)).Get("/", pageHandler.HandleIndex)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/{provider}/login", authHandler.HandleLogin)
		r.Get("/{provider}/callback", authHandler.HandleCallback)
		r.Post("/guest", authHandler.HandleGuest)
		r.Post("/logout", authHandler.HandleLogout)
	})

	s.router.With(requireAuth).Get(handler.LivePath, liveHandler.HandleLive)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(requireAuth)

		r.Get("/me", authHandler.HandleMe)

		r.Get("/rooms", roomHandler.HandleList)
		r.Post("/rooms", roomHandler.HandleCreate)
		r.Delete("/rooms/{id}", roomHandler.HandleDelete)
		r.Get("/rooms/{id}/preview", roomHandler.HandlePreview)
		r.Get("/rooms/{id}/messages", messageHandler.HandleList)
		r.Post("/rooms/{id}/messages", messageHandler.HandleSend)

		r.Post("/messages/{id}/reactions", messageHandler.HandleReact)
		r.Delete("/messages/{id}", messageHandler.HandleDelete)
	})

	s.logger.Info("routes configured",
		slog.Int("providers", len(providers)),
		slog.Bool("allowGuests", cfg.AllowGuests),
		slog.Int("topics", len(topics)),
	)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}` + "\n"))
		return
	}
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// Start runs the HTTP server and the day rotation until SIGINT or SIGTERM,
// then shuts down gracefully:
//  1. stop accepting connections and drain in-flight requests (30s)
//  2. stop the day rotation
//  3. close the hub, ending every live subscription
//  4. close the database
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run is Start with the shutdown trigger supplied by the caller.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rotationCtx, stopRotation := context.WithCancel(context.Background())
	rotationDone := make(chan struct{})
	if s.hub != nil {
		go func() {
			defer close(rotationDone)
			if err := s.hub.RunDayRotation(rotationCtx, s.config.RotationCron, s.loc); err != nil {
				s.logger.Error("day rotation stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(rotationDone)
	}

	defer func() {
		stopRotation()
		<-rotationDone
		if s.hub != nil {
			s.hub.Close()
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.logger.Error("closing database", slog.String("error", err.Error()))
			}
		}
	}()

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("database", s.config.DBPath),
			slog.Bool("gated", s.cfgErr != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// Close releases the database and hub without running the HTTP server.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}
