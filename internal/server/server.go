// Package server wires the HTTP surface: webhook intake, the OAuth round
// trip, health and operator endpoints, with logging and rate limiting
// middleware.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"integration-engine/internal/common/logging"
	"integration-engine/internal/config"
)

type Server struct {
	httpServer  *http.Server
	rateLimiter *RateLimiter
	logger      logging.Logger
}

// New builds the router and the HTTP server around the handlers.
func New(cfg *config.Config, handlers *Handlers, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	router := mux.NewRouter()
	router.Use(LoggingMiddleware(logger))
	var rateLimiter *RateLimiter
	if cfg.RateLimitEnabled {
		rateLimiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
		router.Use(rateLimiter.Middleware)
	}

	router.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	router.HandleFunc("/integrations/webhooks/{subscriptionId}", handlers.HandleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/integrations/oauth/{serviceId}/connect", handlers.HandleOAuthConnect).Methods(http.MethodGet)
	router.HandleFunc("/integrations/oauth/callback", handlers.HandleOAuthCallback).Methods(http.MethodGet)
	router.HandleFunc("/integrations/failures", handlers.ListFailures).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening",
		logging.Field{Key: "addr", Value: s.httpServer.Addr},
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline and stops
// the rate limiter's sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return err
}
