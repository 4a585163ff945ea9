// Package api provides the HTTP server for sleuth.
// It exposes the investigation pipeline: start, status, live events,
// inbound webhooks and the read-only workflow/delivery/account views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chain-sleuth/sleuth/internal/app/workflow"
	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/health"
)

// Pipeline is the workflow engine as seen by the API.
type Pipeline interface {
	StartInvestigation(ctx context.Context, req workflow.StartRequest) (*workflow.StartResult, error)
	HandleWebhookUpdate(ctx context.Context, taskID string, ev domain.WebhookEvent) (string, error)
	GetStatus(ctx context.Context, requestID string) (*domain.WorkflowResult, error)
	GetAccountRecord(ctx context.Context, accountID string) (*domain.AccountRecord, error)
}

// StatusReader serves task snapshots and streams.
type StatusReader interface {
	Snapshot(ctx context.Context, taskID string) (*domain.Task, error)
	Stream(ctx context.Context, taskID string) (<-chan domain.Task, error)
}

// DeliveryReader looks up webhook deliveries.
type DeliveryReader interface {
	GetDelivery(ctx context.Context, webhookID string) (*domain.WebhookDelivery, error)
}

// HealthReporter reports the latest health check results.
type HealthReporter interface {
	IsHealthy() bool
	Statuses() []health.Status
}

// Server is the sleuth HTTP API server.
type Server struct {
	pipeline       Pipeline
	status         StatusReader
	deliveries     DeliveryReader // nil disables /pipeline/webhooks/{id}
	health         HealthReporter // nil reports ok
	metricsEnabled bool
	version        string
	allowedOrigins []string
	requestTimeout time.Duration
}

// NewServer creates a new API server.
func NewServer(p Pipeline, status StatusReader) *Server {
	return &Server{
		pipeline:       p,
		status:         status,
		version:        "dev",
		allowedOrigins: []string{"*"},
		requestTimeout: time.Minute,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetDeliveries enables the webhook delivery lookup endpoint.
func (s *Server) SetDeliveries(d DeliveryReader) { s.deliveries = d }

// SetHealth sets the health reporter used by /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetVersion sets the version reported by /api/version.
func (s *Server) SetVersion(v string) { s.version = v }

// SetAllowedOrigins restricts CORS origins. Empty keeps "*".
func (s *Server) SetAllowedOrigins(origins []string) {
	if len(origins) > 0 {
		s.allowedOrigins = origins
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Event streams outlive the request timeout; they end when the task does.
	r.Get("/pipeline/events/{taskId}", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})

		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Get("/status/{taskId}", s.handleStatus)
			r.Get("/workflows/{requestId}", s.handleWorkflow)
			r.Get("/metadata/{accountId}", s.handleMetadata)
			if s.deliveries != nil {
				r.Get("/webhooks/{webhookId}", s.handleDelivery)
			}
		})

		r.Post("/webhooks", s.handleWebhook)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the shape of every error response.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Status: "error", Error: msg})
}

// writeDomainError maps an error's kind to an HTTP status. Internal errors
// are logged and reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	msg := err.Error()
	if kind == domain.KindInternal {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("[api] %s %s request=%s: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUpstream, domain.KindDelivery:
		return http.StatusBadGateway
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
