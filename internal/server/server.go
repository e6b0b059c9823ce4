// Package server exposes the engine over a small JSON HTTP API so
// editors and dashboards can control a running autoflow process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ShayCichocki/autoflow/internal/orchestrator"
	"github.com/ShayCichocki/autoflow/internal/state"
)

// Engine is the control surface the server needs from the orchestrator.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	Pause()
	Resume()
	GetState() orchestrator.EngineState
	GetStats() orchestrator.Stats
	GetTrackedTasks() []orchestrator.RunningTask
	Config() orchestrator.Config
	UpdateConfig(patch orchestrator.ConfigPatch) (orchestrator.Config, error)
	RunFeature(id string) error
}

// Server serves the engine control API.
type Server struct {
	engine  Engine
	history state.RunStore // optional
	addr    string

	server *http.Server
}

// New creates a Server. history may be nil.
func New(engine Engine, history state.RunStore, addr string) *Server {
	return &Server{engine: engine, history: history, addr: addr}
}

// Handler builds the HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/run/{id}", s.handleRunFeature)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/tasks", s.handleTasks)
		r.Put("/config", s.handleConfig)
		r.Get("/history", s.handleHistory)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

// ListenAndServe starts the HTTP server. The context is the base context
// for incoming requests; cancel it to begin shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	log.Printf("[server] listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(context.Background()); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"error":   "ALREADY_RUNNING",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRunFeature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.RunFeature(id); err != nil {
		status := http.StatusConflict
		switch {
		case errors.Is(err, orchestrator.ErrFeatureNotFound):
			status = http.StatusNotFound
		case errors.Is(err, orchestrator.ErrNotRunning):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetState())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.engine.GetTrackedTasks()
	if tasks == nil {
		tasks = []orchestrator.RunningTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch orchestrator.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "invalid request body: " + err.Error(),
		})
		return
	}

	cfg, err := s.engine.UpdateConfig(patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []state.Run{}})
		return
	}
	runs, err := s.history.ListRecentRuns(50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if runs == nil {
		runs = []state.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}
