// Package api provides the HTTP control and telemetry endpoints for running
// sync jobs.
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/objectfs/objectsync/internal/circuit"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/status"
)

// Breakers reports the state of the storage circuit breakers.
// *circuit.Manager implements it.
type Breakers interface {
	Stats() []circuit.Stats
	HealthCheck() error
}

// StorageStats reports request health for one storage backend.
// *s3.Storage implements it.
type StorageStats interface {
	ErrorRate() float64
}

// Server provides HTTP API endpoints for job control and monitoring
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	tracker    *status.Tracker
	breakers   Breakers
	storages   map[string]StorageStats
	metrics    http.Handler
	config     ServerConfig
	logger     *logger.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithBreakers reports breaker state on /health.
func WithBreakers(b Breakers) Option {
	return func(s *Server) { s.breakers = b }
}

// WithStorage reports the error rate of st on /health under label.
func WithStorage(label string, st StorageStats) Option {
	return func(s *Server) {
		if s.storages == nil {
			s.storages = make(map[string]StorageStats)
		}
		s.storages[label] = st
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server
func NewServer(config ServerConfig, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		config:  config,
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "api")

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)

	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/pause", s.control(s.tracker.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/resume", s.control(s.tracker.Resume)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/stop", s.control(s.tracker.Stop)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/threads", s.handleThreads).Methods(http.MethodPut)
	r.HandleFunc("/jobs/{id}/events", s.handleEvents).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(s.loggingMiddleware)
	s.router = r

	var handler http.Handler = r
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("address", ln.Addr().String()).Msg("control API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if stderr.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down control API")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	}
	if s.tracker != nil {
		response["active_jobs"] = s.tracker.GetSystemStatus().ActiveJobs
	}

	if len(s.storages) > 0 {
		rates := make(map[string]float64, len(s.storages))
		for label, st := range s.storages {
			rates[label] = st.ErrorRate()
		}
		response["storage_error_rates"] = rates
	}

	code := http.StatusOK
	if s.breakers != nil {
		response["breakers"] = s.breakers.Stats()
		if err := s.breakers.HealthCheck(); err != nil {
			response["status"] = "degraded"
			response["reason"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, code, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// Job endpoint handlers

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.tracker.List()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":      jobs,
		"count":     len(jobs),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Status(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	history := s.tracker.GetHistory(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history":   history,
		"count":     len(history),
		"timestamp": time.Now(),
	})
}

// control wraps a tracker call that takes the job id and answers with the
// job status.
func (s *Server) control(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := fn(id); err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondStatus(w, id)
	}
}

// ThreadsRequest is the body of PUT /jobs/{id}/threads.
type ThreadsRequest struct {
	QueryThreads int `json:"query_threads"`
	SyncThreads  int `json:"sync_threads"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.tracker.Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	// omitted fields keep their current value
	query, sync := job.Threads()
	req := ThreadsRequest{QueryThreads: query, SyncThreads: sync}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.tracker.SetThreads(id, req.QueryThreads, req.SyncThreads); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondStatus(w, id)
}

// handleEvents streams the job's updates as newline-delimited JSON until the
// job finishes or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	updates, err := s.tracker.Subscribe(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !stderr.Is(err, http.ErrNotSupported) {
		s.logger.Debug().Err(err).Msg("clearing write deadline")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := enc.Encode(u); err != nil {
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	endpoints := []string{
		"GET /health",
		"GET /health/live",
		"GET /jobs",
		"GET /jobs/history",
		"GET /jobs/{id}",
		"POST /jobs/{id}/pause",
		"POST /jobs/{id}/resume",
		"POST /jobs/{id}/stop",
		"PUT /jobs/{id}/threads",
		"GET /jobs/{id}/events",
		"GET /info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "GET /metrics")
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "objectsync",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondStatus(w http.ResponseWriter, id string) {
	st, err := s.tracker.Status(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("encoding JSON response")
	}
}

// respondErr answers with the status carried by a SyncError, or 500.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	body := map[string]interface{}{
		"error":     err.Error(),
		"timestamp": time.Now(),
	}
	if se, ok := errors.As(err); ok {
		if se.HTTPStatus != 0 {
			code = se.HTTPStatus
		}
		body["code"] = se.Code
	}
	s.respondJSON(w, code, body)
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
