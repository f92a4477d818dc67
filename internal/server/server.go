// Package server implements the photo store's operational HTTP surface:
// health, readiness, metrics and the manual reconcile trigger.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Vanuan/photo-management-sub002/internal/config"
	"github.com/Vanuan/photo-management-sub002/internal/reconcile"
)

// readyTimeout bounds each dependency probe in /readyz.
const readyTimeout = 3 * time.Second

// Pinger is a dependency whose reachability /readyz reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Reconciler is the slice of the reconcile service the server drives.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Report, bool)
	LastReport() *reconcile.Report
}

// Server is the operational HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	meta       Pinger
	blobs      Pinger
	reconciler Reconciler
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ReadyBody reports the reachability of each backing store.
type ReadyBody struct {
	Status string            `json:"status" example:"ready" doc:"ready or unavailable"`
	Checks map[string]string `json:"checks" doc:"Per-dependency result"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Status int
	Body   ReadyBody
}

// ReconcileOutput wraps a sweep report.
type ReconcileOutput struct {
	Body *reconcile.Report
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetadataStore sets the metadata store probed by /readyz.
func WithMetadataStore(meta Pinger) ServerOption {
	return func(s *Server) {
		s.meta = meta
	}
}

// WithBlobStore sets the blob store probed by /readyz.
func WithBlobStore(blobs Pinger) ServerOption {
	return func(s *Server) {
		s.blobs = blobs
	}
}

// WithReconciler enables the /admin/reconcile endpoints.
func WithReconciler(r Reconciler) ServerOption {
	return func(s *Server) {
		s.reconciler = r
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new Server and registers its routes on a Chi router with a
// Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Photo Store Operations API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Server.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("ops server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns ok while the process is serving.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-readiness",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness check",
		Description: "Probes the metadata store and the blob store.",
		Tags:        []string{"System"},
		Responses: map[string]*huma.Response{
			"503": {Description: "A backing store is unreachable"},
		},
	}, s.ready)

	if s.cfg.Server.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	if s.reconciler != nil {
		huma.Register(s.api, huma.Operation{
			OperationID: "run-reconcile",
			Method:      http.MethodPost,
			Path:        "/admin/reconcile",
			Summary:     "Run a consistency sweep",
			Description: "Runs one sweep synchronously and returns its report. Returns 409 while another sweep is running.",
			Tags:        []string{"Admin"},
		}, func(ctx context.Context, input *struct{}) (*ReconcileOutput, error) {
			report, skipped := s.reconciler.RunOnce(ctx)
			if skipped {
				return nil, huma.Error409Conflict("a consistency sweep is already in progress")
			}
			return &ReconcileOutput{Body: report}, nil
		})

		huma.Register(s.api, huma.Operation{
			OperationID: "get-reconcile",
			Method:      http.MethodGet,
			Path:        "/admin/reconcile",
			Summary:     "Last consistency sweep",
			Description: "Returns the report of the most recent completed sweep.",
			Tags:        []string{"Admin"},
		}, func(ctx context.Context, input *struct{}) (*ReconcileOutput, error) {
			report := s.reconciler.LastReport()
			if report == nil {
				return nil, huma.Error404NotFound("no sweep has completed yet")
			}
			return &ReconcileOutput{Body: report}, nil
		})
	}
}

func (s *Server) ready(ctx context.Context, input *struct{}) (*ReadyOutput, error) {
	out := &ReadyOutput{
		Status: http.StatusOK,
		Body:   ReadyBody{Status: "ready", Checks: map[string]string{}},
	}
	for name, dep := range map[string]Pinger{"metadata": s.meta, "blobs": s.blobs} {
		if dep == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, readyTimeout)
		err := dep.Ping(pctx)
		cancel()
		if err != nil {
			s.logger.Warn("readiness probe failed", "dependency", name, "error", err)
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "unavailable"
			out.Body.Checks[name] = err.Error()
			continue
		}
		out.Body.Checks[name] = "ok"
	}
	return out, nil
}
