package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubAgent replays scripted outcomes in order, then always succeeds. An
// optional delay simulates execution time and honors cancellation.
type stubAgent struct {
	mu     sync.Mutex
	script []Outcome
	idx    int
	delay  time.Duration
}

func (a *stubAgent) Execute(ctx context.Context, deviceID, instruction string) (Outcome, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idx < len(a.script) {
		out := a.script[a.idx]
		a.idx++
		return out, nil
	}
	return Outcome{Success: true}, nil
}

func fail(reason string) Outcome { return Outcome{Reason: reason} }

func newTestDispatcher(t *testing.T, agent Agent, queueCap int, defaults Defaults) (*Dispatcher, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger(0)
	d := NewDispatcher(NewTaskQueue(queueCap), NewDevicePool(nil), agent, ledger, nil, defaults)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d, ledger
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func runsFor(t *testing.T, ledger *MemoryLedger, taskID string) []RunRecord {
	t.Helper()
	records, err := ledger.Query(context.Background(), RunFilter{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestDispatcherRunsTaskToSuccess(t *testing.T) {
	d, ledger := newTestDispatcher(t, &stubAgent{}, 0, Defaults{MaxAttempts: 1})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	taskID, err := d.SubmitAdHoc("check the weather", SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(runsFor(t, ledger, taskID)) == 1 })

	records := runsFor(t, ledger, taskID)
	rec := records[0]
	if !rec.Success || rec.Attempt != 1 || rec.DeviceID != "d1" {
		t.Errorf("record: got %+v, want success on d1 attempt 1", rec)
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		t.Error("record finished before it started")
	}

	// The task is terminal and gone from the live set, the device idle.
	waitUntil(t, time.Second, func() bool {
		_, ok := d.Task(taskID)
		return !ok
	})
	waitUntil(t, time.Second, func() bool {
		devs := d.Devices()
		return len(devs) == 1 && devs[0].Status == DeviceIdle
	})
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	agent := &stubAgent{script: []Outcome{fail("app crashed"), fail("app crashed")}}
	d, ledger := newTestDispatcher(t, agent, 0, Defaults{})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	taskID, err := d.SubmitAdHoc("open the mail app", SubmitOptions{
		MaxAttempts: 3,
		Policy:      ExponentialBackoff{Base: 5 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 3*time.Second, func() bool { return len(runsFor(t, ledger, taskID)) == 3 })

	records := runsFor(t, ledger, taskID)
	// Newest first: attempts 3, 2, 1.
	for i, wantAttempt := range []int{3, 2, 1} {
		if records[i].Attempt != wantAttempt {
			t.Errorf("record %d: got attempt %d, want %d", i, records[i].Attempt, wantAttempt)
		}
	}
	if !records[0].Success {
		t.Error("final attempt should have succeeded")
	}
	if records[1].Success || records[2].Success {
		t.Error("first two attempts should have failed")
	}
	if records[1].Reason != "app crashed" {
		t.Errorf("failure reason: got %q, want %q", records[1].Reason, "app crashed")
	}
}

func TestDispatcherAbandonsAfterMaxAttempts(t *testing.T) {
	agent := &stubAgent{script: []Outcome{fail("broken"), fail("broken"), fail("broken"), fail("broken")}}
	d, ledger := newTestDispatcher(t, agent, 0, Defaults{})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	taskID, err := d.SubmitAdHoc("tap the button", SubmitOptions{
		MaxAttempts: 2,
		Policy:      FixedDelay{Delay: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(runsFor(t, ledger, taskID)) == 2 })

	// Exactly maxAttempts executions, no more.
	time.Sleep(50 * time.Millisecond)
	records := runsFor(t, ledger, taskID)
	if len(records) != 2 {
		t.Fatalf("got %d records, want exactly 2", len(records))
	}
	for _, rec := range records {
		if rec.Success {
			t.Errorf("record %s: unexpected success", rec.ID)
		}
	}
	if _, ok := d.Task(taskID); ok {
		t.Error("abandoned task still in the live set")
	}
	if devs := d.Devices(); devs[0].Status != DeviceIdle {
		t.Errorf("device status: got %s, want idle", devs[0].Status)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	d, _ := newTestDispatcher(t, &stubAgent{}, 1, Defaults{})

	// No devices registered, so the first task stays queued.
	if _, err := d.SubmitAdHoc("first", SubmitOptions{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := d.SubmitAdHoc("second", SubmitOptions{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second submit: got %v, want ErrQueueFull", err)
	}
}

func TestDispatcherOneTaskPerDevice(t *testing.T) {
	agent := &stubAgent{delay: 10 * time.Millisecond}
	d, ledger := newTestDispatcher(t, agent, 0, Defaults{MaxAttempts: 1})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	const n = 4
	for i := 0; i < n; i++ {
		if _, err := d.SubmitAdHoc("task", SubmitOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	waitUntil(t, 5*time.Second, func() bool {
		records, _ := ledger.Query(context.Background(), RunFilter{})
		return len(records) == n
	})

	records, _ := ledger.Query(context.Background(), RunFilter{})
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	for i := 1; i < len(records); i++ {
		if records[i].StartedAt.Before(records[i-1].FinishedAt) {
			t.Errorf("runs %d and %d overlap on the device", i-1, i)
		}
	}
}

func TestDispatcherTimeout(t *testing.T) {
	agent := &stubAgent{delay: 500 * time.Millisecond}
	d, ledger := newTestDispatcher(t, agent, 0, Defaults{})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	taskID, err := d.SubmitAdHoc("slow task", SubmitOptions{
		MaxAttempts: 1,
		Timeout:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(runsFor(t, ledger, taskID)) == 1 })

	rec := runsFor(t, ledger, taskID)[0]
	if rec.Success || rec.Reason != ReasonTimeout {
		t.Errorf("record: got success=%v reason=%q, want timeout failure", rec.Success, rec.Reason)
	}
	// The device is freed without waiting for the agent to unwind.
	waitUntil(t, time.Second, func() bool {
		return d.Devices()[0].Status == DeviceIdle
	})
}

func TestDispatcherCancelPending(t *testing.T) {
	d, _ := newTestDispatcher(t, &stubAgent{}, 0, Defaults{})

	taskID, err := d.SubmitAdHoc("never runs", SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Cancel(taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := d.Task(taskID); ok {
		t.Error("canceled task still in the live set")
	}
	if err := d.Cancel(taskID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second cancel: got %v, want ErrTaskNotFound", err)
	}
}

func TestDispatcherPreferredDevice(t *testing.T) {
	d, ledger := newTestDispatcher(t, &stubAgent{}, 0, Defaults{MaxAttempts: 1})
	ctx := context.Background()
	for _, id := range []string{"d1", "d2"} {
		if _, err := d.RegisterDevice(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	taskID, err := d.SubmitAdHoc("targeted task", SubmitOptions{PreferredDevice: "d2"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(runsFor(t, ledger, taskID)) == 1 })
	if rec := runsFor(t, ledger, taskID)[0]; rec.DeviceID != "d2" {
		t.Errorf("executed on %s, want d2", rec.DeviceID)
	}
}

func TestDispatcherForceDeregister(t *testing.T) {
	agent := &stubAgent{delay: 500 * time.Millisecond}
	d, ledger := newTestDispatcher(t, agent, 0, Defaults{})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	taskID, err := d.SubmitAdHoc("interrupted task", SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		task, ok := d.Task(taskID)
		return ok && task.State == TaskRunning
	})

	if err := d.DeregisterDevice("d1", false); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("deregister without force: got %v, want ErrDeviceBusy", err)
	}
	if err := d.DeregisterDevice("d1", true); err != nil {
		t.Fatalf("forced deregister: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(runsFor(t, ledger, taskID)) == 1 })
	rec := runsFor(t, ledger, taskID)[0]
	if rec.Success || rec.Reason != ReasonDeviceRemoved {
		t.Errorf("record: got success=%v reason=%q, want device removal failure", rec.Success, rec.Reason)
	}
	if _, ok := d.Task(taskID); ok {
		t.Error("force-failed task still in the live set")
	}
	if len(d.Devices()) != 0 {
		t.Error("device still registered")
	}

	// The unwinding invocation must not produce a second record.
	time.Sleep(600 * time.Millisecond)
	if records := runsFor(t, ledger, taskID); len(records) != 1 {
		t.Errorf("got %d records after unwind, want 1", len(records))
	}
}

func TestDispatcherStats(t *testing.T) {
	d, _ := newTestDispatcher(t, &stubAgent{delay: 200 * time.Millisecond}, 0, Defaults{})
	if _, err := d.RegisterDevice(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	if _, err := d.SubmitAdHoc("running", SubmitOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SubmitAdHoc("waiting", SubmitOptions{}); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		s := d.Stats()
		return s.Running == 1 && s.Pending == 1 && s.DevicesBusy == 1
	})
}
