// ABOUTME: HTTP control API for ingest and analysis runs behind a single chi router.
// ABOUTME: Exposes start/pause/resume/ask/instruct, status polling, reports, health and Prometheus metrics.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/2389-research/repolens/pipeline"
	"github.com/2389-research/repolens/retrieval"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the control API.
type Server struct {
	ctrl      *pipeline.Controller
	library   *retrieval.Library
	templates map[string]pipeline.Template
	gatherer  prometheus.Gatherer
	router    chi.Router
	addr      string
	uploadDir string
}

// ServerConfig holds the configuration for the API server.
type ServerConfig struct {
	Addr       string // listen address (default: "127.0.0.1:8089")
	Controller *pipeline.Controller
	Library    *retrieval.Library
	Templates  map[string]pipeline.Template // defaults to the built-ins
	Gatherer   prometheus.Gatherer          // nil disables /metrics
	UploadDir  string                       // scratch space for ZIP uploads (default: os.TempDir)
}

// NewServer creates a Server and sets up routing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("Controller must not be nil")
	}
	if cfg.Library == nil {
		return nil, fmt.Errorf("Library must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	if cfg.Templates == nil {
		cfg.Templates = pipeline.DefaultTemplates()
	}
	s := &Server{
		ctrl:      cfg.Controller,
		library:   cfg.Library,
		templates: cfg.Templates,
		gatherer:  cfg.Gatherer,
		addr:      cfg.Addr,
		uploadDir: cfg.UploadDir,
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer returns an http.Server for the configured address with timeouts
// that bound slow clients. Uploads get a longer read timeout.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/templates", s.handleTemplates)

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/latest", s.handleLatestRun)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/summary", s.handleSummary)
			r.Get("/status", s.handleStatus)
			r.Get("/report", s.handleReport)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/questions", s.handleAsk)
			r.Post("/instructions", s.handleInstruction)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.ctrl.ActiveRuns(),
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.templates)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

// writeError maps the pipeline error taxonomy onto HTTP status codes.
// ErrRunNotFound is checked first because the controller wraps it in an
// InvalidOperationError.
func writeError(w http.ResponseWriter, err error) {
	var (
		invalid *pipeline.InvalidOperationError
		cfgErr  *pipeline.ConfigurationError
		maxErr  *http.MaxBytesError
	)
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Status: string(invalid.Status)})
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &maxErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	default:
		log.Printf("component=web action=error err=%v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
