package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/drivesync/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/drivesync/internal/api/middlewares"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Routes holds what the HTTP surface is built from.
type Routes struct {
	Webhook   *handlers.WebhookHandler
	Search    *handlers.SearchHandler
	Settings  *handlers.SettingsHandler
	Index     handlers.Counter
	JWTSecret []byte
	// AllowedOrigins for browser clients of the search API.
	AllowedOrigins []string
}

// NewServer builds the HTTP server for an App.
func NewServer(a *App) *Server {
	return NewServerWithRoutes(":"+a.Config.Port, Routes{
		Webhook:   handlers.NewWebhookHandler(a.Router, a.Logger),
		Search:    handlers.NewSearchHandler(a.SearchService, a.Logger),
		Settings:  handlers.NewSettingsHandler(a.TenantService, a.Logger),
		Index:     a.Index,
		JWTSecret: []byte(a.Config.JWTSecret),
	}, a.Logger)
}

func NewServerWithRoutes(addr string, rt Routes, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(rt),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter wires all routes. Authenticated routes are only mounted when a JWT secret is set.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := rt.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", handlers.Health(rt.Index))

	r.Route("/api", func(api chi.Router) {
		// public endpoints, authenticated by client state
		api.Get("/webhook/notifications", rt.Webhook.Notifications)
		api.Post("/webhook/notifications", rt.Webhook.Notifications)

		if len(rt.JWTSecret) == 0 {
			return
		}
		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWT(rt.JWTSecret))
			protected.Post("/search", rt.Search.Search)
			protected.Get("/tenant/settings", rt.Settings.Get)
			protected.Patch("/tenant/settings", rt.Settings.Update)
		})
	})

	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
