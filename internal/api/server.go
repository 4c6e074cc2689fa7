package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/shipyard/internal/api/handler"
	mw "github.com/edvin/shipyard/internal/api/middleware"
	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/proxy"
)

// Deps carries everything the API needs beyond the database: the Temporal
// client for async operations and the reconciler stack for the synchronous
// proxy endpoints.
type Deps struct {
	Logger         zerolog.Logger
	CorePool       *pgxpool.Pool
	TemporalClient temporalclient.Client
	Reconciler     *proxy.Reconciler
	ConfigStore    *proxy.ConfigStore
}

type Server struct {
	router         chi.Router
	logger         zerolog.Logger
	services       *core.Services
	corePool       *pgxpool.Pool
	temporalClient temporalclient.Client
	reconciler     *proxy.Reconciler
	configStore    *proxy.ConfigStore
}

func NewServer(deps Deps) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		logger:         deps.Logger,
		services:       core.NewServices(deps.CorePool),
		corePool:       deps.CorePool,
		temporalClient: deps.TemporalClient,
		reconciler:     deps.Reconciler,
		configStore:    deps.ConfigStore,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.corePool))

		// Servers
		server := handler.NewServer(s.services.Server, s.services.ExecutionLog, s.temporalClient)
		r.Get("/servers", server.List)
		r.Post("/servers", server.Create)
		r.Get("/servers/{id}", server.Get)
		r.Put("/servers/{id}", server.Update)
		r.Delete("/servers/{id}", server.Delete)
		r.Post("/servers/{id}/validate", server.Validate)
		r.Post("/servers/{id}/execute", server.Execute)

		// Proxy settings and lifecycle
		proxyH := handler.NewProxy(s.services.Server, s.services.ExecutionLog, s.reconciler, s.configStore, s.temporalClient)
		r.Get("/servers/{id}/proxy", proxyH.Get)
		r.Put("/servers/{id}/proxy", proxyH.Update)
		r.Post("/servers/{id}/proxy/check", proxyH.Check)
		r.Post("/servers/{id}/proxy/start", proxyH.Start)
		r.Post("/servers/{id}/proxy/stop", proxyH.Stop)
		r.Post("/servers/{id}/proxy/restart", proxyH.Restart)
		r.Get("/servers/{id}/proxy/config", proxyH.GetConfig)
		r.Put("/servers/{id}/proxy/config", proxyH.PutConfig)

		// Operations
		operation := handler.NewOperation(s.logger, s.services.ExecutionLog, s.temporalClient)
		r.Get("/operations/{id}", operation.Get)
		r.Get("/operations/{id}/logs", operation.Logs)
		r.Get("/operations/{id}/logs/ws", operation.StreamLogs)
		r.Post("/operations/{id}/cancel", operation.Cancel)

		// Private keys
		privateKey := handler.NewPrivateKey(s.services.PrivateKey)
		r.Get("/private-keys", privateKey.List)
		r.Post("/private-keys", privateKey.Create)
		r.Get("/private-keys/{id}", privateKey.Get)
		r.Delete("/private-keys/{id}", privateKey.Delete)

		// API keys
		apiKey := handler.NewAPIKey(s.services.APIKey)
		r.Get("/api-keys", apiKey.List)
		r.Post("/api-keys", apiKey.Create)
		r.Get("/api-keys/{id}", apiKey.Get)
		r.Delete("/api-keys/{id}", apiKey.Revoke)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.corePool.Ping(ctx); err != nil {
		checks["core_db"] = err.Error()
		healthy = false
	} else {
		checks["core_db"] = "ok"
	}

	if _, err := s.temporalClient.CheckHealth(ctx, &temporalclient.CheckHealthRequest{}); err != nil {
		checks["temporal"] = err.Error()
		healthy = false
	} else {
		checks["temporal"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
