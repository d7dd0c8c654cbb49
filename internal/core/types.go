package core

import (
	"time"
)

// JobStatus describes whether a job definition is eligible for scheduling.
type JobStatus string

const (
	JobStatusActive JobStatus = "active"
	JobStatusPaused JobStatus = "paused"
)

// TaskState describes the lifecycle state of a task instance.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskRetrying  TaskState = "retrying"
	TaskAbandoned TaskState = "abandoned"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Terminal reports whether a task in this state will never run again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskAbandoned, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// DeviceStatus describes the availability of an execution target.
type DeviceStatus string

const (
	DeviceIdle        DeviceStatus = "idle"
	DeviceBusy        DeviceStatus = "busy"
	DeviceUnavailable DeviceStatus = "unavailable"
)

// JobDefinition is a named, reusable task template. Definitions are
// immutable once created; updates replace the whole record.
type JobDefinition struct {
	Name            string
	Instruction     string
	Schedule        string // cron expression; empty for on-demand jobs
	PreferredDevice string
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Timeout         time.Duration
	Status          JobStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskInstance is one concrete unit of work, derived from a job definition
// or submitted ad-hoc. Mutated only by the dispatcher.
type TaskInstance struct {
	ID              string
	JobName         string // empty for ad-hoc submissions
	Instruction     string
	Attempt         int
	MaxAttempts     int
	State           TaskState
	AssignedDevice  string // non-empty iff state is assigned or running
	PreferredDevice string
	Timeout         time.Duration
	CreatedAt       time.Time
}

// Device is a handle to one remote execution target. CurrentTask is a weak
// reference; the pool never owns the task.
type Device struct {
	ID          string
	Status      DeviceStatus
	CurrentTask string
	LastUsed    *time.Time
	TotalRuns   int
	Succeeded   int
	Failed      int
}

// Outcome is the result of one agent invocation.
type Outcome struct {
	Success bool
	Reason  string // failure classification; empty on success
	Message string
	Steps   int
}

// ReasonTimeout marks failures caused by the dispatcher deadline rather
// than the agent itself.
const ReasonTimeout = "timeout"

// ReasonDeviceRemoved marks failures injected when a busy device is
// force-deregistered.
const ReasonDeviceRemoved = "device removed"

// RunRecord is an immutable historical entry for one task attempt.
type RunRecord struct {
	ID         string
	TaskID     string
	JobName    string
	DeviceID   string
	Attempt    int
	Success    bool
	Reason     string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunFilter narrows ledger queries. Zero values match everything.
type RunFilter struct {
	TaskID   string
	JobName  string
	DeviceID string
	Outcome  string // "success" or "failure"
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}
