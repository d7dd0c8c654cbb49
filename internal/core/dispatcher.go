package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Agent is the external execution capability: it runs one instruction on
// one device and reports the outcome. Implementations may be slow and may
// not honor cancellation promptly; the dispatcher never trusts them with
// its own bookkeeping.
type Agent interface {
	Execute(ctx context.Context, deviceID, instruction string) (Outcome, error)
}

const reasonCanceled = "canceled"

// Defaults applied to submissions that do not override them.
type Defaults struct {
	MaxAttempts int
	Timeout     time.Duration
	Policy      RetryPolicy
}

func (d Defaults) withFallbacks() Defaults {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Minute
	}
	if d.Policy == nil {
		d.Policy = ExponentialBackoff{}
	}
	return d
}

// SubmitOptions overrides dispatch defaults for one submission.
type SubmitOptions struct {
	JobName         string
	PreferredDevice string
	MaxAttempts     int
	Timeout         time.Duration
	Policy          RetryPolicy
}

// liveTask pairs a task instance with the dispatch bookkeeping the task
// record itself does not carry.
type liveTask struct {
	task    *TaskInstance
	policy  RetryPolicy
	cancel  context.CancelFunc // set while an invocation is in flight
	timer   *time.Timer        // set while a backoff delay is pending
	started time.Time          // start of the current attempt
}

// Dispatcher matches queued tasks to idle devices and routes outcomes
// into the retry policy and the run ledger. All task and device mutation
// funnels through it, which is what makes the check-and-mark on a device
// one atomic step.
type Dispatcher struct {
	queue    *TaskQueue
	pool     *DevicePool
	agent    Agent
	ledger   Ledger
	log      *slog.Logger
	defaults Defaults

	wake chan struct{}

	mu   sync.Mutex
	live map[string]*liveTask

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher wires the control loop. A nil ledger gets an in-memory
// ring; a nil logger gets slog.Default.
func NewDispatcher(queue *TaskQueue, pool *DevicePool, agent Agent, ledger Ledger, log *slog.Logger, defaults Defaults) *Dispatcher {
	if ledger == nil {
		ledger = NewMemoryLedger(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		queue:    queue,
		pool:     pool,
		agent:    agent,
		ledger:   ledger,
		log:      log,
		defaults: defaults.withFallbacks(),
		wake:     make(chan struct{}, 1),
		live:     make(map[string]*liveTask),
	}
}

// Start launches the control loop. It returns immediately; the loop runs
// until Stop or ctx cancellation.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(d.runCtx)
	}()
}

// Stop cancels in-flight invocations and waits for the loop and all
// invocation goroutines, up to ctx's deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if d.runCancel != nil {
		d.runCancel()
	}
	d.mu.Lock()
	for _, lt := range d.live {
		if lt.timer != nil {
			lt.timer.Stop()
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out")
	}
}

// loop suspends until an enqueue, a device release, or a retry requeue
// signals work, then pairs tasks with devices until neither side has
// capacity.
func (d *Dispatcher) loop(ctx context.Context) {
	for {
		d.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) dispatchReady(ctx context.Context) {
	for {
		d.mu.Lock()
		task := d.queue.Dequeue()
		if task == nil {
			d.mu.Unlock()
			return
		}
		deviceID := d.pool.IdleFor(task.PreferredDevice)
		if deviceID == "" {
			d.queue.PushFront(task)
			d.mu.Unlock()
			return
		}
		if err := d.pool.Acquire(deviceID, task.ID); err != nil {
			// The loop is the only caller of Acquire, so losing this
			// race indicates a contract violation somewhere else.
			d.log.Error("acquire device", "device", deviceID, "task", task.ID, "err", err)
			d.queue.PushFront(task)
			d.mu.Unlock()
			return
		}
		lt := d.live[task.ID]
		if lt == nil {
			// Every queued task has a live entry; a miss means the task
			// was finalized while queued without being removed.
			d.log.Error("queued task has no live entry", "task", task.ID)
			d.pool.Release(deviceID, false)
			d.mu.Unlock()
			continue
		}
		task.State = TaskAssigned
		task.AssignedDevice = deviceID
		invCtx, cancel := context.WithCancel(ctx)
		lt.cancel = cancel
		d.mu.Unlock()

		d.log.Debug("task dispatched", "task", task.ID, "device", deviceID, "attempt", task.Attempt)
		d.wg.Add(1)
		go d.invoke(invCtx, lt, deviceID)
	}
}

// invoke runs one attempt. The agent call races a local watchdog: when
// the deadline passes, the device is freed without waiting for the agent
// to acknowledge cancellation.
func (d *Dispatcher) invoke(ctx context.Context, lt *liveTask, deviceID string) {
	defer d.wg.Done()

	d.mu.Lock()
	if lt.task.State.Terminal() {
		d.mu.Unlock()
		return
	}
	lt.task.State = TaskRunning
	lt.started = time.Now().UTC()
	instruction := lt.task.Instruction
	timeout := lt.task.Timeout
	d.mu.Unlock()
	if timeout <= 0 {
		timeout = d.defaults.Timeout
	}

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	resultCh := make(chan Outcome, 1)
	go func() {
		out, err := d.agent.Execute(agentCtx, deviceID, instruction)
		if err != nil {
			out.Success = false
			if out.Reason == "" {
				out.Reason = err.Error()
			}
		}
		resultCh <- out
	}()

	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()

	var out Outcome
	select {
	case out = <-resultCh:
	case <-watchdog.C:
		cancel()
		out = Outcome{Reason: ReasonTimeout, Message: "deadline exceeded"}
		d.log.Warn("task exceeded deadline", "task", lt.task.ID, "device", deviceID, "timeout", timeout)
	case <-ctx.Done():
		cancel()
		out = Outcome{Reason: reasonCanceled, Message: "invocation canceled"}
	}

	d.finish(lt, deviceID, out)
}

// finish serializes post-invocation bookkeeping: ledger record, device
// release, and the retry-or-retire decision.
func (d *Dispatcher) finish(lt *liveTask, deviceID string, out Outcome) {
	finished := time.Now().UTC()

	d.mu.Lock()
	task := lt.task
	if task.State.Terminal() {
		// Force-failed (device removed) while the invocation was still
		// unwinding; everything is already recorded.
		d.mu.Unlock()
		return
	}
	lt.cancel = nil
	rec := RunRecord{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		JobName:    task.JobName,
		DeviceID:   deviceID,
		Attempt:    task.Attempt,
		Success:    out.Success,
		Reason:     out.Reason,
		Message:    out.Message,
		StartedAt:  lt.started,
		FinishedAt: finished,
	}

	switch {
	case out.Success:
		task.State = TaskSucceeded
		task.AssignedDevice = ""
		delete(d.live, task.ID)
		d.pool.Release(deviceID, true)
		d.log.Info("task succeeded", "task", task.ID, "device", deviceID, "attempt", task.Attempt)

	case out.Reason == reasonCanceled:
		task.State = TaskCanceled
		task.AssignedDevice = ""
		delete(d.live, task.ID)
		d.pool.Release(deviceID, false)
		d.log.Info("task canceled", "task", task.ID, "device", deviceID)

	default:
		policy := lt.policy
		if policy == nil {
			policy = d.defaults.Policy
		}
		decision := policy.Decide(task.Attempt, task.MaxAttempts, out.Reason)
		task.AssignedDevice = ""
		// The device never waits out the backoff.
		d.pool.Release(deviceID, false)
		if decision.Retry {
			task.Attempt++
			task.State = TaskRetrying
			delay := decision.Delay
			lt.timer = time.AfterFunc(delay, func() { d.requeueAfterBackoff(lt) })
			d.log.Warn("task failed, retry scheduled",
				"task", task.ID, "device", deviceID, "reason", out.Reason,
				"next_attempt", task.Attempt, "delay", delay)
		} else {
			task.State = TaskAbandoned
			delete(d.live, task.ID)
			d.log.Warn("task abandoned", "task", task.ID, "device", deviceID,
				"reason", out.Reason, "attempts", task.Attempt)
		}
	}
	d.mu.Unlock()

	d.ledger.Record(rec)
	d.signal()
}

func (d *Dispatcher) requeueAfterBackoff(lt *liveTask) {
	d.mu.Lock()
	lt.timer = nil
	if lt.task.State != TaskRetrying {
		d.mu.Unlock()
		return
	}
	d.queue.Requeue(lt.task)
	d.mu.Unlock()
	d.signal()
}

// SubmitAdHoc enqueues a one-off instruction and returns the new task id.
// Fails with ErrQueueFull when a configured capacity is reached.
func (d *Dispatcher) SubmitAdHoc(instruction string, opts SubmitOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.defaults.MaxAttempts
	}
	task := &TaskInstance{
		ID:              uuid.NewString(),
		JobName:         opts.JobName,
		Instruction:     instruction,
		Attempt:         1,
		MaxAttempts:     maxAttempts,
		PreferredDevice: opts.PreferredDevice,
		Timeout:         opts.Timeout,
		CreatedAt:       time.Now().UTC(),
	}

	d.mu.Lock()
	if err := d.queue.Enqueue(task); err != nil {
		d.mu.Unlock()
		return "", err
	}
	d.live[task.ID] = &liveTask{task: task, policy: opts.Policy}
	d.mu.Unlock()

	d.signal()
	return task.ID, nil
}

// SubmitForJob creates a fresh task instance from a job definition. The
// trigger source calls this on every fire; ad-hoc "run now" callers use
// it too, so both paths share one serialization point.
func (d *Dispatcher) SubmitForJob(def *JobDefinition) (string, error) {
	var policy RetryPolicy
	if def.BackoffBase > 0 || def.BackoffMax > 0 {
		policy = ExponentialBackoff{Base: def.BackoffBase, Max: def.BackoffMax}
	}
	return d.SubmitAdHoc(def.Instruction, SubmitOptions{
		JobName:         def.Name,
		PreferredDevice: def.PreferredDevice,
		MaxAttempts:     def.MaxAttempts,
		Timeout:         def.Timeout,
		Policy:          policy,
	})
}

// Cancel removes a pending task, or best-effort cancels a running one.
// Canceling a retrying task stops its backoff timer.
func (d *Dispatcher) Cancel(taskID string) error {
	d.mu.Lock()
	lt, ok := d.live[taskID]
	if !ok {
		d.mu.Unlock()
		return ErrTaskNotFound
	}
	switch lt.task.State {
	case TaskPending:
		d.queue.Cancel(taskID)
		lt.task.State = TaskCanceled
		delete(d.live, taskID)
		d.mu.Unlock()
	case TaskRetrying:
		if lt.timer != nil {
			lt.timer.Stop()
			lt.timer = nil
		}
		lt.task.State = TaskCanceled
		delete(d.live, taskID)
		d.mu.Unlock()
	case TaskAssigned, TaskRunning:
		cancel := lt.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		d.mu.Unlock()
		return ErrTaskNotFound
	}
	return nil
}

// RegisterDevice adds a device and wakes the loop, since new idle
// capacity may unblock the queue.
func (d *Dispatcher) RegisterDevice(ctx context.Context, id string) (*Device, error) {
	dev, err := d.pool.Register(ctx, id)
	if err != nil {
		return nil, err
	}
	d.signal()
	return dev, nil
}

// DeregisterDevice removes a device. Without force it fails with
// ErrDeviceBusy while a task is running there; with force the running
// task is force-failed with a "device removed" failure record.
func (d *Dispatcher) DeregisterDevice(id string, force bool) error {
	d.mu.Lock()
	interrupted, err := d.pool.Deregister(id, force)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	var rec *RunRecord
	if interrupted != "" {
		if lt, ok := d.live[interrupted]; ok {
			rec = &RunRecord{
				ID:         uuid.NewString(),
				TaskID:     lt.task.ID,
				JobName:    lt.task.JobName,
				DeviceID:   id,
				Attempt:    lt.task.Attempt,
				Reason:     ReasonDeviceRemoved,
				Message:    "device deregistered while task was running",
				StartedAt:  lt.started,
				FinishedAt: time.Now().UTC(),
			}
			lt.task.State = TaskFailed
			lt.task.AssignedDevice = ""
			delete(d.live, interrupted)
			if lt.cancel != nil {
				lt.cancel()
				lt.cancel = nil
			}
		}
	}
	d.mu.Unlock()

	if rec != nil {
		d.ledger.Record(*rec)
		d.log.Warn("task force-failed by device removal", "task", rec.TaskID, "device", id)
	}
	return nil
}

// Task returns a copy of a live task instance.
func (d *Dispatcher) Task(id string) (TaskInstance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lt, ok := d.live[id]
	if !ok {
		return TaskInstance{}, false
	}
	return *lt.task, true
}

// Tasks returns copies of all live (non-terminal) task instances.
func (d *Dispatcher) Tasks() []TaskInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskInstance, 0, len(d.live))
	for _, lt := range d.live {
		out = append(out, *lt.task)
	}
	return out
}

// Stats summarizes queue and pool occupancy for status surfaces.
type Stats struct {
	Pending      int `json:"pending"`
	Running      int `json:"running"`
	Retrying     int `json:"retrying"`
	DevicesIdle  int `json:"devices_idle"`
	DevicesBusy  int `json:"devices_busy"`
	DevicesTotal int `json:"devices_total"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	var s Stats
	for _, lt := range d.live {
		switch lt.task.State {
		case TaskPending:
			s.Pending++
		case TaskAssigned, TaskRunning:
			s.Running++
		case TaskRetrying:
			s.Retrying++
		}
	}
	d.mu.Unlock()
	s.DevicesIdle, s.DevicesBusy, s.DevicesTotal = d.pool.Counts()
	return s
}

// Devices exposes the pool snapshot for status surfaces.
func (d *Dispatcher) Devices() []Device {
	return d.pool.Snapshot()
}

// Ledger exposes the run ledger for query surfaces.
func (d *Dispatcher) Ledger() Ledger {
	return d.ledger
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
