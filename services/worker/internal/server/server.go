package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"contentengine/internal/ratelimit"
	"contentengine/internal/servicetoken"
	"contentengine/internal/util"
	"contentengine/pkg/domain"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/queue"
)

// PassRunner runs one publishing pass.
type PassRunner interface {
	RunOnce(ctx context.Context) (lifecycle.PassResult, error)
}

// UsageReader reports the shared usage record.
type UsageReader interface {
	Snapshot(ctx context.Context) (domain.UsageRecord, error)
	TimeUntilNextCall(ctx context.Context) (time.Duration, error)
}

// JobQueue accepts generation jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, spec queue.Spec) (queue.Job, error)
	GetJob(ctx context.Context, id string) (queue.Job, bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Worker   PassRunner
	Usage    UsageReader
	Jobs     JobQueue
	Verifier *servicetoken.Verifier
	Limiter  *ratelimit.FixedWindowLimiter
	Logger   *slog.Logger
}

// Server exposes the worker's health and internal control endpoints.
type Server struct {
	worker   PassRunner
	usage    UsageReader
	jobs     JobQueue
	verifier *servicetoken.Verifier
	limiter  *ratelimit.FixedWindowLimiter
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New constructs the server with routes configured. Internal routes are only
// mounted when a token verifier is configured.
func New(cfg Config) (*Server, error) {
	if cfg.Worker == nil || cfg.Usage == nil {
		return nil, errors.New("server: worker and usage are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		worker:   cfg.Worker,
		usage:    cfg.Usage,
		jobs:     cfg.Jobs,
		verifier: cfg.Verifier,
		limiter:  cfg.Limiter,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithRequestLog("worker", util.WithSecurityHeaders(s.mux))
	return util.WithRequestID(s.withLogger(h))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.verifier == nil {
		s.logger.Warn("no service token keys configured; internal routes disabled")
		return
	}
	s.mux.Handle("/internal/worker/run", s.internal(s.handleRun))
	s.mux.Handle("/internal/usage", s.internal(s.handleUsage))
	s.mux.Handle("/internal/jobs", s.internal(s.handleJobs))
	s.mux.Handle("/internal/jobs/", s.internal(s.handleJobByID))
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(util.ContextWithLogger(r.Context(), s.logger)))
	})
}

// internal authenticates the caller, then applies the per-caller quota.
func (s *Server) internal(next http.HandlerFunc) http.Handler {
	var h http.Handler = next
	if s.limiter != nil {
		h = s.limiter.Middleware(servicetoken.Subject, h)
	}
	return s.verifier.Middleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res, err := s.worker.RunOnce(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("worker pass failed", "err", err, "caller", servicetoken.Subject(r))
		writeError(w, http.StatusInternalServerError, "worker pass failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, err := s.usage.Snapshot(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("read usage failed", "err", err)
		writeError(w, http.StatusInternalServerError, "read usage failed")
		return
	}
	wait, err := s.usage.TimeUntilNextCall(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("read usage failed", "err", err)
		writeError(w, http.StatusInternalServerError, "read usage failed")
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Usage: rec, NextCallInMs: wait.Milliseconds()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	var spec queue.Spec
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(spec.Actor) == "" {
		spec.Actor = servicetoken.Subject(r)
	}
	job, err := s.jobs.Enqueue(r.Context(), spec)
	if errors.Is(err, queue.ErrInvalidJob) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("enqueue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/internal/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, ok, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("read job failed", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "read job failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type usageResponse struct {
	Usage        domain.UsageRecord `json:"usage"`
	NextCallInMs int64              `json:"nextCallInMs"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
