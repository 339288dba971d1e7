package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/warden/internal/tasks"
)

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

type transitionRequest struct {
	To      string `json:"to"`
	Reason  string `json:"reason"`
	AgentID string `json:"agent_id"`
}

type dispatchRequest struct {
	AgentID string `json:"agent_id"`
}

type addCommentRequest struct {
	AuthorType string `json:"author_type"`
	Content    string `json:"content"`
	Blocking   bool   `json:"blocking"`
}

type sessionActivityRequest struct {
	SessionKey string `json:"session_key"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	task, err := s.runtime.CreateTask(r.Context(), tasks.CreateRequest{
		Title:       req.Title,
		Description: req.Description,
		Priority:    tasks.Priority(strings.TrimSpace(req.Priority)),
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.runtime.ListTasks(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.runtime.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to := tasks.Status(strings.TrimSpace(req.To))
	if !to.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_status", "unknown target status")
		return
	}

	res, err := s.runtime.RequestTransition(r.Context(), taskID, to, tasks.TransitionOptions{
		Actor:   "api",
		Reason:  strings.TrimSpace(req.Reason),
		AgentID: req.AgentID,
	})
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "transition_failed", err.Error())
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	respondJSON(w, status, res)
}

func (s *Server) handleStartPlanning(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	res, err := s.runtime.StartPlanning(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "planning_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}

	res, err := s.runtime.Dispatch(r.Context(), taskID, req.AgentID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "dispatch_failed", err.Error())
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	respondJSON(w, status, res)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req addCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	author := tasks.AuthorType(strings.TrimSpace(req.AuthorType))
	if author == "" {
		author = tasks.AuthorUser
	}

	comment, err := s.runtime.AddComment(r.Context(), taskID, author, req.Content, req.Blocking)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "comment_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	comments, err := s.runtime.ListComments(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "comment_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	commentID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.runtime.ResolveComment(r.Context(), commentID); err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			respondError(w, http.StatusNotFound, "comment_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "comment_resolve_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.runtime.ListGatewaySessions(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "session_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	var req sessionActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionKey) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_key is required")
		return
	}
	s.runtime.NoteAgentActivity(req.SessionKey)
	respondJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleReconcileNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.reconciler.Run(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "reconcile_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}
