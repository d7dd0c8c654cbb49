package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeJobSource struct {
	mu   sync.Mutex
	jobs map[string]*JobDefinition
}

func newFakeJobSource(jobs ...*JobDefinition) *fakeJobSource {
	s := &fakeJobSource{jobs: make(map[string]*JobDefinition)}
	for _, job := range jobs {
		s.jobs[job.Name] = job
	}
	return s
}

func (s *fakeJobSource) GetJob(ctx context.Context, name string) (*JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return nil, ErrJobNotFound
	}
	snap := *job
	return &snap, nil
}

func (s *fakeJobSource) ListJobs(ctx context.Context, status *JobStatus) ([]*JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobDefinition
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		snap := *job
		out = append(out, &snap)
	}
	return out, nil
}

func (s *fakeJobSource) setStatus(name string, status JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name].Status = status
}

type fakeSubmitter struct {
	mu    sync.Mutex
	fired []string
	err   error
}

func (f *fakeSubmitter) SubmitForJob(def *JobDefinition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.fired = append(f.fired, def.Name)
	return "task-" + def.Name, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func TestTriggerRejectsInvalidSchedule(t *testing.T) {
	tr := NewTrigger(newFakeJobSource(), &fakeSubmitter{}, nil, time.UTC)

	err := tr.AddOrUpdateJob(&JobDefinition{
		Name:     "bad",
		Schedule: "not a cron",
		Status:   JobStatusActive,
	})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("got %v, want ErrInvalidSchedule", err)
	}
	if _, ok := tr.NextFire("bad"); ok {
		t.Error("invalid job has a scheduled fire time")
	}
}

func TestTriggerSyncSchedulesActiveJobsOnly(t *testing.T) {
	source := newFakeJobSource(
		&JobDefinition{Name: "active", Schedule: "0 9 * * *", Status: JobStatusActive},
		&JobDefinition{Name: "paused", Schedule: "0 9 * * *", Status: JobStatusPaused},
		&JobDefinition{Name: "ondemand", Status: JobStatusActive},
	)
	tr := NewTrigger(source, &fakeSubmitter{}, nil, time.UTC)
	tr.Start(context.Background())
	defer tr.Stop()

	if err := tr.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := tr.NextFire("active"); !ok {
		t.Error("active scheduled job has no fire time")
	}
	if _, ok := tr.NextFire("paused"); ok {
		t.Error("paused job has a fire time")
	}
	if _, ok := tr.NextFire("ondemand"); ok {
		t.Error("on-demand job has a fire time")
	}
}

func TestTriggerFiresAndSubmits(t *testing.T) {
	source := newFakeJobSource(
		// Six fields with a leading seconds column: fires every second.
		&JobDefinition{Name: "everysec", Instruction: "do it", Schedule: "* * * * * *", Status: JobStatusActive},
	)
	submitter := &fakeSubmitter{}
	tr := NewTrigger(source, submitter, nil, time.UTC)
	tr.Start(context.Background())
	defer tr.Stop()

	if err := tr.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 3*time.Second, func() bool { return submitter.count() >= 1 })
}

func TestTriggerSkipsPausedAtFireTime(t *testing.T) {
	source := newFakeJobSource(
		&JobDefinition{Name: "flipped", Instruction: "do it", Schedule: "* * * * * *", Status: JobStatusActive},
	)
	submitter := &fakeSubmitter{}
	tr := NewTrigger(source, submitter, nil, time.UTC)

	if err := tr.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Pause before the first fire; the entry stays but fires are skipped
	// because the definition is re-read at fire time.
	source.setStatus("flipped", JobStatusPaused)
	tr.Start(context.Background())
	defer tr.Stop()

	time.Sleep(1500 * time.Millisecond)
	if submitter.count() != 0 {
		t.Errorf("paused job fired %d times", submitter.count())
	}
}

func TestTriggerFullQueueDropsFiring(t *testing.T) {
	source := newFakeJobSource(
		&JobDefinition{Name: "dropped", Instruction: "do it", Schedule: "* * * * * *", Status: JobStatusActive},
	)
	submitter := &fakeSubmitter{err: ErrQueueFull}
	tr := NewTrigger(source, submitter, nil, time.UTC)
	tr.Start(context.Background())
	defer tr.Stop()

	if err := tr.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The firing is dropped silently; the entry keeps ticking.
	time.Sleep(1500 * time.Millisecond)
	if _, ok := tr.NextFire("dropped"); !ok {
		t.Error("entry removed after a dropped firing")
	}
}

func TestTriggerRemoveJob(t *testing.T) {
	tr := NewTrigger(newFakeJobSource(), &fakeSubmitter{}, nil, time.UTC)

	if err := tr.AddOrUpdateJob(&JobDefinition{Name: "gone", Schedule: "0 9 * * *", Status: JobStatusActive}); err != nil {
		t.Fatal(err)
	}
	tr.Start(context.Background())
	defer tr.Stop()

	if _, ok := tr.NextFire("gone"); !ok {
		t.Fatal("job not scheduled")
	}
	tr.RemoveJob("gone")
	if _, ok := tr.NextFire("gone"); ok {
		t.Error("removed job still scheduled")
	}
}
