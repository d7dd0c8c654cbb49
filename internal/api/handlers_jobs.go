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

type jobRequest struct {
	Name         string `json:"name"`
	Instruction  string `json:"instruction"`
	Schedule     string `json:"schedule,omitempty"`
	Device       string `json:"device,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BackoffBaseS int    `json:"backoff_base_s,omitempty"`
	BackoffMaxS  int    `json:"backoff_max_s,omitempty"`
	TimeoutS     int    `json:"timeout_s,omitempty"`
	Paused       bool   `json:"paused,omitempty"`
}

type jobResponse struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
	Schedule    string `json:"schedule,omitempty"`
	Device      string `json:"device,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	TimeoutS    int    `json:"timeout_s,omitempty"`
	Status      string `json:"status"`
	NextFire    string `json:"next_fire,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (s *Server) jobToResponse(job *core.JobDefinition) jobResponse {
	res := jobResponse{
		Name:        job.Name,
		Instruction: job.Instruction,
		Schedule:    job.Schedule,
		Device:      job.PreferredDevice,
		MaxAttempts: job.MaxAttempts,
		TimeoutS:    int(job.Timeout / time.Second),
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if next, ok := s.trigger.NextFire(job.Name); ok {
		res.NextFire = next.UTC().Format(time.RFC3339)
	}
	return res
}

func jobFromRequest(req jobRequest) (*core.JobDefinition, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, errors.New("instruction is required")
	}
	if req.MaxAttempts < 0 || req.TimeoutS < 0 || req.BackoffBaseS < 0 || req.BackoffMaxS < 0 {
		return nil, errors.New("numeric fields must be non-negative")
	}
	status := core.JobStatusActive
	if req.Paused {
		status = core.JobStatusPaused
	}
	return &core.JobDefinition{
		Name:            name,
		Instruction:     instruction,
		Schedule:        strings.TrimSpace(req.Schedule),
		PreferredDevice: req.Device,
		MaxAttempts:     req.MaxAttempts,
		BackoffBase:     time.Duration(req.BackoffBaseS) * time.Second,
		BackoffMax:      time.Duration(req.BackoffMaxS) * time.Second,
		Timeout:         time.Duration(req.TimeoutS) * time.Second,
		Status:          status,
	}, nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	job, err := jobFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if job.Schedule != "" {
		if _, err := core.ParseSchedule(job.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := s.store.InsertJob(r.Context(), job); err != nil {
		writeDispatchError(w, err)
		return
	}
	if err := s.trigger.AddOrUpdateJob(job); err != nil {
		s.logger.Error("schedule job", "job", job.Name, "err", err)
	}
	writeJSON(w, http.StatusCreated, s.jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *core.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := core.JobStatus(raw)
		if st != core.JobStatusActive && st != core.JobStatusPaused {
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or paused")
			return
		}
		status = &st
	}
	jobs, err := s.store.ListJobs(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	res := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		res = append(res, s.jobToResponse(job))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobName"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleReplaceJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobName")
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Name = name
	job, err := jobFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if job.Schedule != "" {
		if _, err := core.ParseSchedule(job.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
	}

	job.UpdatedAt = time.Now().UTC()
	if err := s.store.ReplaceJob(r.Context(), job); err != nil {
		writeDispatchError(w, err)
		return
	}
	if err := s.trigger.AddOrUpdateJob(job); err != nil {
		s.logger.Error("reschedule job", "job", job.Name, "err", err)
	}
	stored, err := s.store.GetJob(r.Context(), name)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobToResponse(stored))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobName")
	if err := s.store.DeleteJob(r.Context(), name); err != nil {
		writeDispatchError(w, err)
		return
	}
	s.trigger.RemoveJob(name)
	w.WriteHeader(http.StatusNoContent)
}

// handleRunJob fires a job once, bypassing its schedule.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobName"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	taskID, err := s.dispatcher.SubmitForJob(job)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}
