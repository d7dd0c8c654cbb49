package agent

import (
	"context"
	"sync"
	"time"

	"autofleet/internal/core"
)

// ScriptAgent replays a predetermined sequence of outcomes. It backs the
// daemon's mock mode (no real devices) and is the deterministic failure
// injector for dispatcher tests. Once the script is exhausted every call
// succeeds.
type ScriptAgent struct {
	mu      sync.Mutex
	script  []core.Outcome
	delay   time.Duration
	calls   []Call
	stepped int
}

// Call records one invocation for assertions.
type Call struct {
	DeviceID    string
	Instruction string
}

// NewScriptAgent creates an agent that returns the given outcomes in
// order. delay simulates execution time per call (it respects ctx).
func NewScriptAgent(delay time.Duration, script ...core.Outcome) *ScriptAgent {
	return &ScriptAgent{script: script, delay: delay}
}

func (a *ScriptAgent) Execute(ctx context.Context, deviceID, instruction string) (core.Outcome, error) {
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return core.Outcome{Reason: "canceled by caller"}, ctx.Err()
		case <-timer.C:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{DeviceID: deviceID, Instruction: instruction})
	if a.stepped < len(a.script) {
		out := a.script[a.stepped]
		a.stepped++
		return out, nil
	}
	return core.Outcome{Success: true, Message: "scripted run complete"}, nil
}

// Calls returns a copy of all recorded invocations.
func (a *ScriptAgent) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}
