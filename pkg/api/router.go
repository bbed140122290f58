// Package api provides HTTP API server components.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/partnerflow/partnerflow/pkg/api/handlers"
	"github.com/partnerflow/partnerflow/pkg/api/middleware"
	"github.com/partnerflow/partnerflow/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga handles saga lifecycle endpoints
	Saga *handlers.SagaHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// DeadLetters exposes undeliverable envelopes
	DeadLetters *handlers.DeadLetterHandler

	// WebSocket streams saga state changes
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// RouterConfig carries the middleware settings the router needs.
type RouterConfig struct {
	RequestTimeout time.Duration
	CORS           middleware.CORSConfig
	RateLimit      middleware.RateLimitConfig
	TracingEnabled bool
}

// NewRouter creates a chi router with middleware and routes.
func NewRouter(cfg RouterConfig, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}
	if cfg.TracingEnabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}

	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.RateLimit(cfg.RateLimit))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Saga != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Post("/", handlers.Saga.StartSaga)
				r.Get("/", handlers.Saga.ListSagas)
				r.Get("/{id}", handlers.Saga.GetSaga)
				r.Post("/{id}/compensate", handlers.Saga.CompensateSaga)
				r.Get("/{id}/timeline", handlers.Saga.GetTimeline)
			})
		}

		if handlers.DeadLetters != nil {
			r.Get("/deadletters", handlers.DeadLetters.List)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}

	// Live saga state stream
	if handlers.WebSocket != nil {
		r.Get("/ws/sagas", handlers.WebSocket.ServeHTTP)
	}
}
