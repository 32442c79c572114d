// Package server exposes the ops HTTP surface: health, metrics, queue
// inspection, manual enqueue, dead-letter management, and the live event
// stream.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waytrail/waytrail-jobs/internal/core"
	"github.com/waytrail/waytrail-jobs/internal/events"
	"github.com/waytrail/waytrail-jobs/internal/queue"
	"github.com/waytrail/waytrail-jobs/internal/worker"
)

// Server wires the ops routes over the dispatcher and store.
type Server struct {
	disp    *worker.Dispatcher
	store   queue.Store
	reg     *worker.Registry
	hub     *events.Hub
	backend string
	version string
}

// New builds the ops server. hub may be nil, which disables the event stream
// route.
func New(disp *worker.Dispatcher, reg *worker.Registry, hub *events.Hub, backend, version string) *Server {
	return &Server{
		disp:    disp,
		store:   disp.Store(),
		reg:     reg,
		hub:     hub,
		backend: backend,
		version: version,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(LimitBody)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", s.handleQueues)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/dead-letter", s.handleListDeadLetter)
		r.Post("/dead-letter/{id}/retry", s.handleRetryDeadLetter)
		r.Delete("/dead-letter/{id}", s.handleDeleteDeadLetter)
		if s.hub != nil {
			r.Get("/events", s.hub.ServeHTTP)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.backend,
		"version": s.version,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := s.store.Depths(r.Context(), s.disp.Queues())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": depths,
		"stats":  s.disp.Stats(),
		"types":  s.reg.Types(),
	})
}

// enqueueRequest is the POST /v1/jobs body.
type enqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	DelayMs     int64           `json:"delayMs,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "request body is not valid JSON: " + err.Error(),
		})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}

	id, err := s.disp.Enqueue(r.Context(), req.Type, req.Payload, worker.Options{
		Queue:       req.Queue,
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	jobs, total, err := s.store.ListDeadLetter(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.RetryDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps coded queue errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var qe *core.QueueError
	if errors.As(err, &qe) {
		switch qe.Code {
		case core.ErrCodeNotFound:
			status = http.StatusNotFound
		case core.ErrCodeConflict:
			status = http.StatusConflict
		case core.ErrCodeInvalidPayload:
			status = http.StatusBadRequest
		case core.ErrCodeStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": qe})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
