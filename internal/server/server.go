package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/config"
	"github.com/medivault/lifeline/internal/handler"
	"github.com/medivault/lifeline/internal/server/middleware"
	"github.com/medivault/lifeline/internal/service"
	"github.com/medivault/lifeline/internal/store"
)

// Services bundles the wired-up service layer the router dispatches into.
type Services struct {
	Requests  *service.RequestService
	Approvals *service.ApprovalService
	Tokens    *service.TokenService
	Retrieval *service.RetrievalService
	Audit     *audit.Service
}

// Server is the top-level HTTP server for the broker. It owns the Chi
// router and the graceful shutdown lifecycle.
type Server struct {
	cfg        config.ServerConfig
	auth       config.AuthConfig
	router     chi.Router
	store      *store.Store
	services   Services
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg config.ServerConfig, auth config.AuthConfig, st *store.Store, services Services, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     auth,
		store:    st,
		services: services,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.Origins,
		AllowedMethods: s.cfg.CORS.Methods,
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Health checks stay unauthenticated for the orchestrator's probes.
	r.Get("/api/v1/health/live", s.handleLive)
	r.Get("/api/v1/health/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(s.auth))

		reqHandler := handler.NewRequestHandler(s.services.Requests, s.services.Approvals, s.services.Tokens)
		credHandler := handler.NewCredentialHandler(s.services.Retrieval)
		auditHandler := handler.NewAuditHandler(s.services.Audit)

		r.Route("/requests", func(r chi.Router) {
			rpm := s.cfg.RequestsRPM
			if rpm <= 0 {
				rpm = 120
			}
			r.Use(middleware.RateLimit(rpm))
			r.Post("/", reqHandler.Create)
			r.Get("/", reqHandler.List)
			r.Get("/{reqID}", reqHandler.Get)
			r.Post("/{reqID}/approve", reqHandler.Approve)
			r.Post("/{reqID}/deny", reqHandler.Deny)
			r.Get("/{reqID}/token", reqHandler.IssueToken)
		})

		r.Route("/credentials", func(r chi.Router) {
			rpm := s.cfg.RetrieveRPM
			if rpm <= 0 {
				rpm = 30
			}
			header := s.auth.APIKeyHeader
			if header == "" {
				header = "X-API-Key"
			}
			r.With(middleware.RateLimitByHeader(header, rpm)).
				Post("/retrieve", credHandler.Retrieve)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/log", auditHandler.List)
			r.Get("/log/{proofID}/verify", auditHandler.Verify)
			r.Get("/stats", auditHandler.Stats)
		})
	})

	s.router = r
}

// handleLive is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReady is a readiness probe. Returns 200 when the store answers a
// ping, or 503 when it does not.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := s.store.Ping(); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{"status": status})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or
// SIGTERM is received. It then performs a graceful shutdown, draining
// in-flight requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "tls", s.cfg.TLS.Enabled)
		var err error
		if s.cfg.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.Duration(s.cfg.ShutdownTimeout, 30*time.Second))
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
