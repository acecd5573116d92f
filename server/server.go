// Package server is the HTTP surface: health and metrics endpoints, the
// single-shot AI edit endpoint, and the websocket upgrade path.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/aiqueue"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/document"
	"github.com/deepnoodle-ai/weave/metrics"
	"github.com/deepnoodle-ai/weave/session"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
)

const DefaultRequestTimeout = 60 * time.Second

// Options configures a Server.
type Options struct {
	Host    string
	Port    int
	Version string

	Documents *document.Store
	Sessions  *session.Store
	Queue     *aiqueue.Queue
	Completer completer.Completer
	Hub       http.Handler
	Metrics   *metrics.Collector
	Logger    slogger.Logger

	// Redis enables the store ping health check. Nil means the process
	// runs memory-only and the check reports that instead.
	Redis *redis.Client

	// RequestTimeout bounds API requests (not websocket sessions).
	// Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Server wires the chi router over the collaboration components.
type Server struct {
	host      string
	port      int
	version   string
	documents *document.Store
	sessions  *session.Store
	queue     *aiqueue.Queue
	completer completer.Completer
	hub       http.Handler
	metrics   *metrics.Collector
	logger    slogger.Logger
	redis     *redis.Client

	router    *chi.Mux
	httpSrv   *http.Server
	startTime time.Time
}

// New creates a server. Call Start to listen and Shutdown to stop.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		host:      opts.Host,
		port:      opts.Port,
		version:   opts.Version,
		documents: opts.Documents,
		sessions:  opts.Sessions,
		queue:     opts.Queue,
		completer: opts.Completer,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		redis:     opts.Redis,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Post("/ai/edit", s.handleAIEdit)
		r.Get("/health", s.handleHealth)
		r.Get("/health/detailed", s.handleHealthDetailed)
		r.Get("/health/ready", s.handleHealthReady)
		r.Get("/health/live", s.handleHealthLive)
		r.Get("/metrics", s.handleMetrics)
	})

	// Websocket sessions outlive any request timeout.
	if s.hub != nil {
		s.router.Get("/ws", s.hub.ServeHTTP)
	}

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs every request with its status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type aiEditRequest struct {
	SelectedText string `json:"selectedText"`
	Prompt       string `json:"prompt"`
}

type aiEditResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleAIEdit performs a one-shot rewrite without touching any document
// or the request queue.
func (s *Server) handleAIEdit(w http.ResponseWriter, r *http.Request) {
	var req aiEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, aiEditResponse{Error: "invalid request body"})
		return
	}
	if req.SelectedText == "" {
		writeJSON(w, http.StatusBadRequest, aiEditResponse{Error: "selected text is required"})
		return
	}
	if len(req.SelectedText) > weave.MaxSelectedTextLength {
		writeJSON(w, http.StatusBadRequest, aiEditResponse{
			Error: fmt.Sprintf("selected text exceeds %d characters", weave.MaxSelectedTextLength),
		})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, aiEditResponse{Error: "prompt is required"})
		return
	}
	if len(req.Prompt) > weave.MaxPromptLength {
		writeJSON(w, http.StatusBadRequest, aiEditResponse{
			Error: fmt.Sprintf("prompt exceeds %d characters", weave.MaxPromptLength),
		})
		return
	}
	if s.completer == nil {
		writeJSON(w, http.StatusInternalServerError, aiEditResponse{Error: "AI editing is not configured"})
		return
	}

	resp, err := s.completer.Complete(r.Context(), weave.AIRequest{
		SelectedText: req.SelectedText,
		Prompt:       req.Prompt,
		SelectionEnd: len(req.SelectedText),
	})
	if err != nil {
		s.logger.Error("AI edit failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, aiEditResponse{Error: "AI edit failed"})
		return
	}
	writeJSON(w, http.StatusOK, aiEditResponse{Result: resp.Result})
}

// handleMetrics serves the metrics snapshot as JSON, or Prometheus text
// exposition with ?format=prometheus.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if err := s.metrics.WritePrometheus(w); err != nil {
			s.logger.Error("failed to write metrics", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
