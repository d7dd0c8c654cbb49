package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"autofleet/internal/core"
)

type submitTaskRequest struct {
	Instruction string `json:"instruction"`
	Device      string `json:"device,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	TimeoutS    int    `json:"timeout_s,omitempty"`
}

type taskResponse struct {
	ID          string `json:"id"`
	JobName     string `json:"job_name,omitempty"`
	Instruction string `json:"instruction"`
	State       string `json:"state"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Device      string `json:"device,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func taskToResponse(t core.TaskInstance) taskResponse {
	return taskResponse{
		ID:          t.ID,
		JobName:     t.JobName,
		Instruction: t.Instruction,
		State:       string(t.State),
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Device:      t.AssignedDevice,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "instruction is required")
		return
	}
	if req.TimeoutS < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeout_s must be non-negative")
		return
	}

	taskID, err := s.dispatcher.SubmitAdHoc(instruction, core.SubmitOptions{
		PreferredDevice: req.Device,
		MaxAttempts:     req.MaxAttempts,
		Timeout:         time.Duration(req.TimeoutS) * time.Second,
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	task, _ := s.dispatcher.Task(taskID)
	writeJSON(w, http.StatusAccepted, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	stateFilter := r.URL.Query().Get("state")
	tasks := s.dispatcher.Tasks()
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		if stateFilter != "" && string(t.State) != stateFilter {
			continue
		}
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.dispatcher.Task(chi.URLParam(r, "taskID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Cancel(chi.URLParam(r, "taskID")); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Stats())
}

// writeDispatchError maps dispatcher sentinel errors onto the HTTP error
// envelope.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue_full", "task queue is full")
	case errors.Is(err, core.ErrDeviceBusy), errors.Is(err, core.ErrDeviceNotIdle):
		writeError(w, http.StatusConflict, "device_busy", err.Error())
	case errors.Is(err, core.ErrDeviceExists), errors.Is(err, core.ErrJobExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
	case errors.Is(err, core.ErrTaskNotPending):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrTaskNotFound),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
