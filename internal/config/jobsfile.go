package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"autofleet/internal/core"
)

// JobsFile declares job definitions to register at startup.
type JobsFile struct {
	Jobs []JobEntry `yaml:"jobs"`
}

// JobEntry is one declarative job definition.
type JobEntry struct {
	Name        string   `yaml:"name"`
	Instruction string   `yaml:"instruction"`
	Schedule    string   `yaml:"schedule,omitempty"`
	Device      string   `yaml:"device,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	BackoffBase duration `yaml:"backoff_base,omitempty"`
	BackoffMax  duration `yaml:"backoff_max,omitempty"`
	Timeout     duration `yaml:"timeout,omitempty"`
	Paused      bool     `yaml:"paused,omitempty"`
}

// duration accepts Go duration strings like "90s" or "10m" in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// LoadJobsFile parses a YAML jobs file into job definitions. Schedules
// are validated here so a bad expression is reported to the author at
// startup, not at first fire.
func LoadJobsFile(path string) ([]*core.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var file JobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}

	jobs := make([]*core.JobDefinition, 0, len(file.Jobs))
	seen := make(map[string]bool)
	for i, entry := range file.Jobs {
		if entry.Name == "" {
			return nil, fmt.Errorf("jobs[%d]: name is required", i)
		}
		if entry.Instruction == "" {
			return nil, fmt.Errorf("job %q: instruction is required", entry.Name)
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("job %q: duplicate name", entry.Name)
		}
		seen[entry.Name] = true
		if entry.Schedule != "" {
			if _, err := core.ParseSchedule(entry.Schedule); err != nil {
				return nil, fmt.Errorf("job %q: %w", entry.Name, err)
			}
		}
		status := core.JobStatusActive
		if entry.Paused {
			status = core.JobStatusPaused
		}
		jobs = append(jobs, &core.JobDefinition{
			Name:            entry.Name,
			Instruction:     entry.Instruction,
			Schedule:        entry.Schedule,
			PreferredDevice: entry.Device,
			MaxAttempts:     entry.MaxAttempts,
			BackoffBase:     time.Duration(entry.BackoffBase),
			BackoffMax:      time.Duration(entry.BackoffMax),
			Timeout:         time.Duration(entry.Timeout),
			Status:          status,
		})
	}
	return jobs, nil
}
