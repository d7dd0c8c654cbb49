// Package agent provides implementations of the execution capability the
// dispatcher invokes: an HTTP adapter for a phone-automation service and
// a scripted double for tests and mock deployments.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autofleet/internal/core"
)

// HTTPAgent drives a remote automation service speaking a small JSON
// protocol: one POST per task, the response carrying the outcome. The
// service may be slow and may ignore cancellation; the dispatcher's
// watchdog owns the deadline either way.
type HTTPAgent struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPAgent creates an adapter for the automation endpoint. The
// client timeout is deliberately generous; per-task deadlines arrive via
// context.
func NewHTTPAgent(baseURL, apiKey, model string) (*HTTPAgent, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("agent base url is empty")
	}
	return &HTTPAgent{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}, nil
}

type executeRequest struct {
	Model       string `json:"model"`
	DeviceID    string `json:"device_id"`
	Instruction string `json:"instruction"`
}

type executeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Steps   int    `json:"steps,omitempty"`
}

func (a *HTTPAgent) Execute(ctx context.Context, deviceID, instruction string) (core.Outcome, error) {
	payload, err := json.Marshal(executeRequest{
		Model:       a.model,
		DeviceID:    deviceID,
		Instruction: instruction,
	})
	if err != nil {
		return core.Outcome{}, fmt.Errorf("encode execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return core.Outcome{}, fmt.Errorf("create execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return core.Outcome{Reason: "agent unreachable"}, fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.Outcome{Reason: "agent response unreadable"}, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return core.Outcome{Reason: fmt.Sprintf("agent status %d", resp.StatusCode)},
			fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out executeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return core.Outcome{Reason: "agent response malformed"}, fmt.Errorf("decode agent response: %w", err)
	}
	return core.Outcome{
		Success: out.Success,
		Reason:  out.Reason,
		Message: out.Message,
		Steps:   out.Steps,
	}, nil
}
