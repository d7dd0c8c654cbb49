package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobSource is the persistence view the trigger needs: the authoritative
// job definition at fire time, so pauses and replacements between fires
// take effect without rescheduling.
type JobSource interface {
	GetJob(ctx context.Context, name string) (*JobDefinition, error)
	ListJobs(ctx context.Context, status *JobStatus) ([]*JobDefinition, error)
}

// Submitter accepts task creation events. The trigger never touches the
// queue directly; scheduled and ad-hoc submissions share one entry point.
type Submitter interface {
	SubmitForJob(def *JobDefinition) (string, error)
}

// Trigger converts job schedules into task submissions. Fire times are
// recomputed from wall clock on every start: a fire time that passed
// while the process was down is skipped, never caught up, so downtime
// cannot build an execution backlog.
type Trigger struct {
	source    JobSource
	submitter Submitter
	log       *slog.Logger
	location  *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	ctx context.Context
}

// NewTrigger constructs a trigger source with the given dependencies.
func NewTrigger(source JobSource, submitter Submitter, log *slog.Logger, location *time.Location) *Trigger {
	if location == nil {
		location = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Trigger{
		source:    source,
		submitter: submitter,
		log:       log,
		location:  location,
		cron:      c,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins firing. ctx is used for job lookups on fire.
func (t *Trigger) Start(ctx context.Context) {
	t.ctx = ctx
	t.cron.Start()
}

// Stop halts firing and returns a context that completes once in-flight
// fire callbacks have returned.
func (t *Trigger) Stop() context.Context {
	return t.cron.Stop()
}

// Sync loads all jobs from the source and reconciles the entry table.
func (t *Trigger) Sync(ctx context.Context) error {
	jobs, err := t.source.ListJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Status == JobStatusActive && job.Schedule != "" {
			if err := t.scheduleJob(job); err != nil {
				t.log.Error("schedule job", "job", job.Name, "err", err)
			}
		} else {
			t.unscheduleJob(job.Name)
		}
	}
	return nil
}

// AddOrUpdateJob replaces the entry for a job that was created or
// replaced. On-demand jobs (no schedule) and paused jobs carry no entry.
func (t *Trigger) AddOrUpdateJob(job *JobDefinition) error {
	t.unscheduleJob(job.Name)
	if job.Status != JobStatusActive || job.Schedule == "" {
		return nil
	}
	return t.scheduleJob(job)
}

// RemoveJob stops firing for the named job.
func (t *Trigger) RemoveJob(name string) {
	t.unscheduleJob(name)
}

// NextFire reports the next fire time for a job, if it is scheduled.
func (t *Trigger) NextFire(name string) (time.Time, bool) {
	t.entryMu.RLock()
	entryID, ok := t.entries[name]
	t.entryMu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	next := t.cron.Entry(entryID).Next
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (t *Trigger) scheduleJob(job *JobDefinition) error {
	schedule, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}
	name := job.Name
	entryID := t.cron.Schedule(schedule, cron.FuncJob(func() {
		t.fire(name)
	}))
	t.setEntryID(name, entryID)
	return nil
}

// fire creates exactly one task instance for one due time. Enqueueing
// must not block on dispatcher state; a full queue drops the firing.
func (t *Trigger) fire(name string) {
	ctx := t.ctxOrBackground()
	job, err := t.source.GetJob(ctx, name)
	if err != nil {
		t.log.Error("fetch job for fire", "job", name, "err", err)
		return
	}
	if job.Status != JobStatusActive {
		return
	}
	taskID, err := t.submitter.SubmitForJob(job)
	if err != nil {
		t.log.Warn("scheduled submission dropped", "job", name, "err", err)
		return
	}
	t.log.Info("scheduled task created", "job", name, "task", taskID)
}

func (t *Trigger) setEntryID(name string, entryID cron.EntryID) {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	t.entries[name] = entryID
}

func (t *Trigger) unscheduleJob(name string) {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	if entryID, ok := t.entries[name]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, name)
	}
}

func (t *Trigger) ctxOrBackground() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}
