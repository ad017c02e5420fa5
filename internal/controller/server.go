// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"buildplane/internal/controller/handlers"
	"buildplane/internal/controller/middleware"
)

// Options configures the middleware around the API.
type Options struct {
	// APIToken guards mutating endpoints; empty disables the check.
	APIToken string
	// HookRateLimit is the per-hook trigger rate in requests per second; 0 disables limiting.
	HookRateLimit float64
	HookRateBurst int
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      Routes(h, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the API handler.
func Routes(h *handlers.Handlers, opts Options) http.Handler {
	adminMW := middleware.RequireAdminToken(opts.APIToken)
	hookMW := middleware.NewRateLimiter(opts.HookRateLimit, opts.HookRateBurst).Middleware()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Read-only endpoints
	mux.HandleFunc("GET /projects", h.ListProjects)
	mux.HandleFunc("GET /projects/{ref}", h.GetProject)
	mux.HandleFunc("GET /projects/{ref}/builds", h.ListBuilds)
	mux.HandleFunc("GET /projects/{ref}/feed.atom", h.ProjectFeed)
	mux.HandleFunc("GET /builds/stale", h.ListStaleBuilds)
	mux.HandleFunc("GET /builds/{id}", h.GetBuild)
	mux.HandleFunc("GET /builds/{id}/log", h.GetBuildLog)

	// Mutating endpoints
	mux.Handle("POST /projects", adminMW(http.HandlerFunc(h.CreateProject)))
	mux.Handle("PUT /projects/{ref}", adminMW(http.HandlerFunc(h.UpdateProject)))
	mux.Handle("DELETE /projects/{ref}", adminMW(http.HandlerFunc(h.DeleteProject)))
	mux.Handle("POST /projects/{ref}/move", adminMW(http.HandlerFunc(h.MoveProject)))
	mux.Handle("POST /projects/{ref}/builds", adminMW(http.HandlerFunc(h.TriggerBuild)))

	// Hooks skip the API token; they are rate limited per hook name.
	mux.Handle("POST /hooks/{hook}", hookMW(http.HandlerFunc(h.TriggerHook)))
	mux.Handle("POST /hooks/github/{hook}", hookMW(http.HandlerFunc(h.GitHubHook)))

	return middleware.RequestID(mux)
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
