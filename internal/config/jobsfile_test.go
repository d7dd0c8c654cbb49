package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autofleet/internal/core"
)

func writeTempJobs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJobsFile(t *testing.T) {
	t.Parallel()
	path := writeTempJobs(t, `
jobs:
  - name: morning-briefing
    instruction: open the news app and read the headlines
    schedule: "0 9 * * 1-5"
    device: pixel-7
    max_attempts: 5
    timeout: 10m
  - name: on-demand-check
    instruction: check the battery level
    paused: true
`)
	jobs, err := LoadJobsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}

	first := jobs[0]
	if first.Name != "morning-briefing" || first.Schedule != "0 9 * * 1-5" {
		t.Errorf("first job: got %+v", first)
	}
	if first.PreferredDevice != "pixel-7" || first.MaxAttempts != 5 || first.Timeout != 10*time.Minute {
		t.Errorf("first job options: got %+v", first)
	}
	if first.Status != core.JobStatusActive {
		t.Errorf("first job status: got %s, want active", first.Status)
	}

	second := jobs[1]
	if second.Schedule != "" || second.Status != core.JobStatusPaused {
		t.Errorf("second job: got schedule=%q status=%s", second.Schedule, second.Status)
	}
}

func TestLoadJobsFileErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "jobs:\n  - instruction: do something\n"},
		{"missing instruction", "jobs:\n  - name: x\n"},
		{"duplicate name", "jobs:\n  - name: x\n    instruction: a\n  - name: x\n    instruction: b\n"},
		{"not yaml", "{{{"},
		{"bad duration", "jobs:\n  - name: x\n    instruction: a\n    timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadJobsFile(writeTempJobs(t, tt.content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadJobsFileInvalidSchedule(t *testing.T) {
	t.Parallel()
	path := writeTempJobs(t, "jobs:\n  - name: x\n    instruction: a\n    schedule: nonsense\n")
	_, err := LoadJobsFile(path)
	if !errors.Is(err, core.ErrInvalidSchedule) {
		t.Fatalf("got %v, want ErrInvalidSchedule", err)
	}
}
