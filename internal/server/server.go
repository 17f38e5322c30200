// Package server implements the HTTP transport layer for the creditgate
// core: admission, dialect-aware proxying, and system endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/creditgate/creditgate/internal/admission"
	"github.com/creditgate/creditgate/internal/catalog"
	"github.com/creditgate/creditgate/internal/failover"
	"github.com/creditgate/creditgate/internal/metering"
	"github.com/creditgate/creditgate/internal/session"
	"github.com/creditgate/creditgate/internal/telemetry"
	"github.com/creditgate/creditgate/internal/tokencount"

	core "github.com/creditgate/creditgate/internal"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Admission *admission.Admitter // required
	Engine    *failover.Engine    // required
	Catalog   *catalog.Catalog    // required, for /v1/models
	Sessions  *session.Appender   // nil = no session history/append
	Meter     *metering.Meter     // nil = no billing (tests only)

	TokenCounter *tokencount.Counter // nil = fixed estimate
	Cache        Cache               // nil = no response caching

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API (admission required). Admission itself performs
	// credential lookup, trial/plan/balance checks, and RPM rate limiting,
	// so no separate rate-limit middleware sits in front of these routes.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requirePerm(core.PermUseModels))
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
	})

	return r
}

type server struct {
	deps Deps
}
