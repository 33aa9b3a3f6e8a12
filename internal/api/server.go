// Package api exposes a small HTTP surface for observing and feeding
// the daemon: health, metrics, session history, lock state, and task
// enqueueing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/locking"
	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/processor"
	"github.com/oweller/taskmill/internal/scheduler"
	"github.com/oweller/taskmill/internal/transition"
)

// TaskAdder is the subset of the store the enqueue endpoint needs.
type TaskAdder interface {
	Add(ctx context.Context, task model.TaskItem, status model.Status) error
}

// Server serves the daemon's observation endpoints.
type Server struct {
	proc   *processor.Processor
	sched  *scheduler.Scheduler
	locks  locking.Manager
	engine *transition.Engine
	adder  TaskAdder
	logger zerolog.Logger

	http *http.Server
}

// New builds the server for the given collaborators. Any of them except
// proc may be nil; the matching endpoints then return 404.
func New(addr string, proc *processor.Processor, sched *scheduler.Scheduler, locks locking.Manager, engine *transition.Engine, adder TaskAdder, logger zerolog.Logger) *Server {
	s := &Server{
		proc:   proc,
		sched:  sched,
		locks:  locks,
		engine: engine,
		adder:  adder,
		logger: logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/sessions", s.handleSessions)
	r.Get("/sessions/latest", s.handleLatestSession)
	r.Get("/transitions", s.handleTransitions)
	if s.locks != nil {
		r.Get("/locks", s.handleLocks)
	}
	if s.adder != nil {
		r.Post("/tasks", s.handleEnqueue)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("api listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("api stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"processor": s.proc.Statistics(),
	}
	if s.sched != nil {
		out["scheduler"] = s.sched.Metrics()
	}
	if s.locks != nil {
		out["locks"] = s.locks.Metrics()
	}
	if s.engine != nil {
		out["transitions"] = s.engine.Statistics()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proc.Sessions())
}

func (s *Server) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	session := s.proc.LastSession()
	if session == nil {
		http.Error(w, "no sessions yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "transition engine not available", http.StatusNotFound)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	writeJSON(w, http.StatusOK, s.engine.History(taskID, 100))
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.locks.Metrics())
}

type enqueueRequest struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Priority     string            `json:"priority"`
	Dependencies []string          `json:"dependencies"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	id := req.ID
	if id == "" {
		id = model.NewTaskID()
	}
	task := model.TaskItem{
		ID:           id,
		Title:        req.Title,
		Priority:     model.ParsePriority(req.Priority),
		Dependencies: req.Dependencies,
		Metadata:     req.Metadata,
	}
	if err := s.adder.Add(r.Context(), task, model.StatusQueuedToRun); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
