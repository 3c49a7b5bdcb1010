package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"stemflow/internal/callback"
	"stemflow/internal/lifecycle"
	"stemflow/internal/scheduler"
	"stemflow/internal/store"
)

const maxCallbackBody = 1 << 20

type Server struct {
	r          *chi.Mux
	manager    *lifecycle.Manager
	correlator *callback.Correlator
	gate       *scheduler.Gate
}

func NewServer(manager *lifecycle.Manager, correlator *callback.Correlator, gate *scheduler.Gate) http.Handler {
	return NewServerWithDebug(manager, correlator, gate, false)
}

func NewServerWithDebug(manager *lifecycle.Manager, correlator *callback.Correlator, gate *scheduler.Gate, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, manager: manager, correlator: correlator, gate: gate}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/daily/latest", s.latestDaily)
	r.Post("/api/daily/trigger", s.triggerDaily)

	// Worker callback endpoint. The task id rides in the query string so the
	// worker treats the whole URL as opaque.
	r.Post("/update-task", s.updateTask)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("stemflow_up 1\n"))
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.manager.Create(r.Context(), req)
	if err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, createResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.manager.Get(r.Context(), id)
	if err == store.ErrNotFound {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, view)
}

func (s *Server) latestDaily(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.LatestCompletedDaily(r.Context())
	if err == store.ErrNotFound {
		http.Error(w, "no completed daily task", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, view)
}

// triggerDaily is the entry point the external scheduler hits once per UTC
// day; it is also callable manually.
func (s *Server) triggerDaily(w http.ResponseWriter, r *http.Request) {
	id, err := s.gate.Trigger(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, createResp{ID: id})
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		http.Error(w, "taskId is required", 400)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), 400)
		return
	}
	upd, err := callback.DecodeUpdate(body)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if err := s.correlator.Apply(r.Context(), taskID, upd); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "unknown task id", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
