// Package rest serves the handoff kernel over HTTP/JSON, with a websocket
// feed of live observability records.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

// Logger is the key/value logger used by the HTTP layer.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

const maxRequestBodySize = 1 << 20

// Handlers holds the dependencies of the HTTP handlers.
type Handlers struct {
	Service     *api.Service
	Broadcaster *observability.Broadcaster
	Logger      Logger
	RateLimit   RateLimit
}

// NewRouter builds the HTTP routes.
func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/events/ws", h.Events)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(h.RateLimit))
		r.Use(chimw.Timeout(30 * time.Second))

		// Workflows
		r.Post("/workflows", h.StartWorkflow)
		r.Get("/workflows/{id}", h.GetWorkflow)
		r.Post("/workflows/{id}/advance", h.AdvanceWorkflow)
		r.Post("/workflows/{id}/abort", h.AbortWorkflow)

		// Handoffs
		r.Post("/handoffs", h.CreateHandoff)
		r.Get("/handoffs/{id}", h.GetHandoff)
		r.Get("/handoffs/{id}/history", h.GetHandoffHistory)
		r.Post("/handoffs/{id}/validate", h.ValidateHandoff)
		r.Post("/handoffs/{id}/transition", h.TransitionHandoff)
		r.Post("/handoffs/{id}/overdue", h.ReportOverdue)

		// Exceptions
		r.Get("/exceptions/{id}", h.GetException)
		r.Post("/exceptions/{id}/resolve", h.ResolveException)
		r.Post("/exceptions/{id}/escalate", h.EscalateException)

		r.Get("/status", h.SystemStatus)
	})
	return r
}

// requestLogger logs every request with its status and duration.
func requestLogger(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// =============================================================================
// Server
// =============================================================================

// Server runs the router until its context is cancelled.
type Server struct {
	http   *http.Server
	logger Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, h *Handlers) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(h),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: h.Logger,
	}
}

// Serve accepts connections on lis until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, lis net.Listener, shutdownTimeout time.Duration) error {
	// Hijacked websocket connections outlive Shutdown; they watch ctx instead.
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_server_started", "address", lis.Addr().String())
		errCh <- s.http.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("http_server_stopping")
		return s.http.Shutdown(shutdownCtx)
	}
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis, shutdownTimeout)
}
