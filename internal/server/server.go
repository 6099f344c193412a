// Package server runs solves as background jobs behind an HTTP API and
// streams their progress as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/optbridge/internal/catalog"
	"github.com/cwbudde/optbridge/internal/opt"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	addr       string
	server     *http.Server
	solve      SolveFunc
	metrics    http.Handler

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server that runs jobs with solve. A non-nil metrics
// handler is mounted at /metrics.
func NewServer(addr string, solve SolveFunc, metrics http.Handler) *Server {
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		jobManager: NewJobManager(),
		addr:       addr,
		solve:      solve,
		metrics:    metrics,
		ctx:        ctx,
		stop:       stop,
		cancel:     make(map[string]context.CancelFunc),
	}
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/solves", s.handleJobs)
	mux.HandleFunc("/api/v1/solves/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/problems", s.handleProblems)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs, waits for them and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.stop()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// handleJobs handles /api/v1/solves
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/solves/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/solves/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleCancelJob(w, r, jobID)
	case len(parts) == 1 || parts[1] == "status":
		s.handleGetJobStatus(w, r, jobID)
	case parts[1] == "stream":
		s.handleJobStream(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/solves
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateJob(&config); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancel[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(job.ID)
		runJob(ctx, s.jobManager, s.solve, job.ID)
	}()

	writeJSON(w, http.StatusCreated, job)
}

// validateJob checks the names a job refers to and fills defaults.
func validateJob(config *JobConfig) error {
	if config.Problem == "" {
		return fmt.Errorf("problem is required")
	}
	if _, ok := catalog.Lookup(config.Problem); !ok {
		return fmt.Errorf("unknown problem %q, available: %s", config.Problem, strings.Join(catalog.Names(), ", "))
	}
	if config.Engine != "" {
		config.Engine = strings.ToUpper(config.Engine)
		known := false
		for _, name := range opt.Names() {
			known = known || name == config.Engine
		}
		if !known {
			return fmt.Errorf("unknown engine %q, available: %s", config.Engine, strings.Join(opt.Names(), ", "))
		}
	}
	if config.Ranks < 0 {
		return fmt.Errorf("ranks cannot be negative")
	}
	if config.Ranks == 0 {
		config.Ranks = 1
	}
	return nil
}

func (s *Server) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancel[jobID]; ok {
		cancel()
		delete(s.cancel, jobID)
	}
}

// handleCancelJob handles DELETE /api/v1/solves/:id
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	cancel, running := s.cancel[jobID]
	s.mu.Unlock()
	if !running {
		http.Error(w, "Job is not running", http.StatusConflict)
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}

// handleGetJobStatus handles GET /api/v1/solves/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	eps := float64(0)
	if elapsed.Seconds() > 0 {
		eps = float64(job.Evaluations-job.Replayed) / elapsed.Seconds()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          job.ID,
		"state":       job.State,
		"config":      job.Config,
		"evaluations": job.Evaluations,
		"replayed":    job.Replayed,
		"failures":    job.Failures,
		"objective":   job.Objective,
		"solution":    job.Solution,
		"elapsed":     elapsed.Seconds(),
		"eps":         eps,
		"startTime":   job.StartTime,
		"endTime":     job.EndTime,
		"error":       job.Error,
	})
}

// handleProblems handles GET /api/v1/problems
func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type problemInfo struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Optimum     float64 `json:"optimum"`
	}
	var out []problemInfo
	for _, name := range catalog.Names() {
		e, _ := catalog.Lookup(name)
		out = append(out, problemInfo{Name: e.Name, Description: e.Description, Optimum: e.Optimum})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
