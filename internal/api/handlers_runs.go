package api

import (
	"net/http"
	"strconv"
	"time"

	"autofleet/internal/core"
)

type runResponse struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	JobName    string `json:"job_name,omitempty"`
	DeviceID   string `json:"device_id"`
	Attempt    int    `json:"attempt"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

func runToResponse(rec core.RunRecord) runResponse {
	return runResponse{
		ID:         rec.ID,
		TaskID:     rec.TaskID,
		JobName:    rec.JobName,
		DeviceID:   rec.DeviceID,
		Attempt:    rec.Attempt,
		Success:    rec.Success,
		Reason:     rec.Reason,
		Message:    rec.Message,
		StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt: rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.RunFilter{
		TaskID:   q.Get("task_id"),
		JobName:  q.Get("job"),
		DeviceID: q.Get("device"),
	}
	switch outcome := q.Get("outcome"); outcome {
	case "", "success", "failure":
		filter.Outcome = outcome
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "outcome must be success or failure")
		return
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "until must be RFC3339")
			return
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	records, err := s.dispatcher.Ledger().Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to query runs")
		return
	}
	res := make([]runResponse, 0, len(records))
	for _, rec := range records {
		res = append(res, runToResponse(rec))
	}
	writeJSON(w, http.StatusOK, res)
}
