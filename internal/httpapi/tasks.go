package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/okettl/taskpilot/internal/task"
)

type createTaskRequest struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
}

type createTaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

type approvalResponseRequest struct {
	Agent    string `json:"agent"`
	Response string `json:"response"`
}

type stopTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	idempotent := strings.TrimSpace(r.URL.Query().Get("idempotent")) == "1"
	var (
		lock    *task.Lock
		created = true
		err     error
	)
	if idempotent {
		lock, err = s.service.GetOrCreateTask(req.TaskID)
		if err == nil {
			created = lock.Status() == task.StatusConfirming && len(lock.Conversation()) == 0
		}
	} else {
		lock, err = s.service.CreateTask(req.TaskID)
	}
	if err != nil {
		if errors.Is(err, task.ErrDuplicateTask) {
			respondError(w, http.StatusConflict, "duplicate_task", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}

	if created {
		lock.AppendMessage("user", req.Prompt)
		lock.SetStatus(task.StatusRunning)
		lock.Enqueue(task.NewAction(task.ActionStart, lock.ID, map[string]any{
			"prompt": req.Prompt,
		}))
		s.service.PersistTask(lock.ID)
	}

	respondJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:  lock.ID,
		Status:  string(lock.Status()),
		Created: created,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	snap, err := s.service.TaskSnapshot(taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": s.service.ListTasks(limit),
	})
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	events, err := s.service.TaskHistory(taskID, limit)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_events_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

func (s *Server) handleApprovalResponse(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req approvalResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Agent = strings.TrimSpace(req.Agent)
	if req.Agent == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agent is required")
		return
	}

	if err := s.service.RespondApproval(taskID, req.Agent, req.Response); err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		case errors.Is(err, task.ErrNoPendingApproval):
			respondError(w, http.StatusConflict, "no_pending_approval", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "approval_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "delivered"})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	reason := "Stopped by API."
	var req stopTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}

	s.service.StopTask(taskID, reason)
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  string(task.StatusStopped),
	})
}
