package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"autofleet/internal/core"
)

type registerDeviceRequest struct {
	ID string `json:"id"`
}

type deviceResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
	LastUsed    string `json:"last_used,omitempty"`
	TotalRuns   int    `json:"total_runs"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
}

func deviceToResponse(d core.Device) deviceResponse {
	res := deviceResponse{
		ID:          d.ID,
		Status:      string(d.Status),
		CurrentTask: d.CurrentTask,
		TotalRuns:   d.TotalRuns,
		Succeeded:   d.Succeeded,
		Failed:      d.Failed,
	}
	if d.LastUsed != nil {
		res.LastUsed = d.LastUsed.UTC().Format(time.RFC3339)
	}
	return res
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "device id is required")
		return
	}
	device, err := s.dispatcher.RegisterDevice(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deviceToResponse(*device))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.dispatcher.Devices()
	res := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		res = append(res, deviceToResponse(d))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeregisterDevice(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"
	if err := s.dispatcher.DeregisterDevice(chi.URLParam(r, "deviceID"), force); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
