// Package controller wires the core API's routes, middleware, and server
// lifecycle.
package controller

import (
	"context"
	"net/http"
	"time"

	"hubbridge/internal/bridge"
	"hubbridge/internal/controller/handlers"
	"hubbridge/internal/controller/middleware"
)

// Server is the HTTP server for the core API.
type Server struct {
	httpServer *http.Server
}

// New creates the server. metricsHandler serves /metrics and may be nil.
func New(addr string, b *bridge.Bridge, h *handlers.Handlers, metricsHandler http.Handler) *Server {
	authMW := middleware.Auth(b, h)
	submitterMW := middleware.RequireSubmitter(h)
	rateMW := middleware.RateLimit(5, 10, h)

	mux := http.NewServeMux()

	// SSO surface. The bridge path is the only one accepting query tokens.
	mux.HandleFunc("GET /sso/bridge", h.Bridge)
	mux.HandleFunc("GET /sso/verify", h.VerifySession)
	mux.HandleFunc("POST /sso/logout", h.Logout)

	// Jobs surface: every write requires the submitter role.
	mux.Handle("POST /jobs", authMW(submitterMW(rateMW(http.HandlerFunc(h.SubmitJob)))))
	mux.Handle("GET /jobs", authMW(http.HandlerFunc(h.ListJobs)))
	mux.Handle("GET /jobs/{id}", authMW(http.HandlerFunc(h.GetJob)))
	mux.Handle("GET /jobs/{id}/logs", authMW(http.HandlerFunc(h.JobLogs)))
	mux.Handle("POST /jobs/{id}/cancel", authMW(submitterMW(http.HandlerFunc(h.CancelJob))))
	mux.Handle("GET /nodes/gpu", authMW(http.HandlerFunc(h.GPUNodes)))

	// Probes and metrics.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     middleware.RequestID(mux),
			ReadTimeout: 10 * time.Second,
			// Long enough for log-follow streams; handlers enforce
			// their own per-request deadlines.
			WriteTimeout: 15 * time.Minute,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
