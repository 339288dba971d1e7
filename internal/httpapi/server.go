package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/warden/internal/config"
	"github.com/ent0n29/warden/internal/observability"
	"github.com/ent0n29/warden/internal/reconcile"
	"github.com/ent0n29/warden/internal/taskruntime"
)

type Server struct {
	cfg        config.Config
	runtime    *taskruntime.Service
	reconciler *reconcile.Reconciler
	metrics    *observability.Metrics
	storeMode  string
}

func New(cfg config.Config, runtime *taskruntime.Service, reconciler *reconcile.Reconciler, metrics *observability.Metrics, storeMode string) *Server {
	return &Server{
		cfg:        cfg,
		runtime:    runtime,
		reconciler: reconciler,
		metrics:    metrics,
		storeMode:  storeMode,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/transition", s.handleTransition)
	r.Post("/v1/tasks/{id}/plan", s.handleStartPlanning)
	r.Post("/v1/tasks/{id}/dispatch", s.handleDispatch)
	r.Post("/v1/tasks/{id}/comments", s.handleAddComment)
	r.Get("/v1/tasks/{id}/comments", s.handleListComments)
	r.Post("/v1/comments/{id}/resolve", s.handleResolveComment)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/activity", s.handleSessionActivity)
	r.Post("/v1/reconcile", s.handleReconcileNow)
	r.Get("/v1/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
