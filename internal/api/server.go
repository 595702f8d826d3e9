package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/schedule"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	maxBodySize = 1 << 20 // 1 MB
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	engine     *engine.Engine
	schedules  *schedule.Engine
	adminToken string
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server. An empty adminToken
// disables the admin routes.
func NewServer(addr string, eng *engine.Engine, schedules *schedule.Engine, adminToken string, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		engine:     eng,
		schedules:  schedules,
		adminToken: adminToken,
		logger:     logger.With("component", "api"),
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/engine/v1", func(r chi.Router) {
		r.Get("/dev/environments/{envId}/dequeue", s.handleDequeueFromEnvironment)
		r.Get("/deployments/{workerId}/dequeue", s.handleDequeueFromVersion)
		r.Post("/deployments", s.handleRegisterWorkerVersion)

		r.Post("/runs", s.handleTrigger)
		r.Route("/runs/{runId}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/execution-data", s.handleGetExecutionData)
			r.Get("/snapshots/latest", s.handleGetLatestSnapshot)
			r.Get("/snapshots/stream", s.handleStreamSnapshots)

			r.Route("/snapshots/{snapshotId}", func(r chi.Router) {
				r.Post("/attempts/start", s.handleStartAttempt)
				r.Post("/attempts/complete", s.handleCompleteAttempt)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/wait/duration", s.handleWaitForDuration)
				r.Post("/waitpoints/block", s.handleBlockRun)
			})
		})

		r.Post("/waitpoints/tokens", s.handleCreateToken)
		r.Post("/waitpoints/tokens/{waitpointId}/complete", s.handleCompleteToken)
		r.Get("/waitpoints/{waitpointId}", s.handleGetWaitpoint)
		r.Post("/waitpoints/{waitpointId}/callback", s.handleCallback)
	})

	s.router.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/organizations", s.handleCreateOrganization)
		r.Post("/environments", s.handleCreateEnvironment)
		r.Post("/environments/{envId}/concurrency", s.handleSetEnvironmentConcurrency)
		r.Post("/projects/{projectId}/environments/{envId}/schedules/recover", s.handleRecoverSchedules)
		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/concurrency/global", s.handleGlobalConcurrency)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// decodeJSON reads a size-capped JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &engine.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
