package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Sitewise/internal/api/middlewares"
	"github.com/markdave123-py/Sitewise/internal/config"
	"github.com/markdave123-py/Sitewise/internal/metrics"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, log *zap.Logger, m *metrics.Metrics, a *App) *Server {
	syncHandler := handlers.NewSyncHandler(a.Syncer, a.Indexer, cfg.AutoVectorize, log)
	vectorizeHandler := handlers.NewVectorizeHandler(a.Indexer, log)
	chatHandler := handlers.NewChatHandler(a.Conversations, log)
	adminHandler := handlers.NewAdminHandler(a.Tenants, a.Keys, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(appMiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", handlers.Health(a.Store))
	r.Handle("/metrics", m.Handler())

	r.Route("/api", func(api chi.Router) {
		// tenant endpoints, authenticated by access key
		api.Group(func(tenant chi.Router) {
			tenant.Use(appMiddleware.TenantAuth(a.Keys, log))
			tenant.With(middleware.Timeout(5*time.Minute)).Post("/sync", syncHandler.Sync)
			tenant.With(middleware.Timeout(10*time.Minute)).Post("/vectorize", vectorizeHandler.Vectorize)
			tenant.With(middleware.Timeout(2*time.Minute)).Post("/converse", chatHandler.Converse)
			tenant.Get("/threads/{threadRef}/messages", chatHandler.ThreadMessages)
		})

		// operator endpoints
		api.Route("/admin", func(admin chi.Router) {
			admin.Use(appMiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Post("/tenants", adminHandler.CreateTenant)
			admin.Get("/tenants/{tenantID}", adminHandler.GetTenant)
			admin.Delete("/tenants/{tenantID}", adminHandler.DeleteTenant)
			admin.Post("/tenants/{tenantID}/keys", adminHandler.IssueKey)
			admin.Post("/tenants/{tenantID}/reset-usage", adminHandler.ResetUsage)
			admin.Delete("/keys/{keyID}", adminHandler.RevokeKey)
		})
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: httpSrv, log: log}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
