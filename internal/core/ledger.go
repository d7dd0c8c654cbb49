package core

import (
	"context"
	"sync"
)

// Ledger is the append-only sink for run records. Record must never fail
// and must never block the dispatcher; implementations buffer in memory
// when their backing store is unavailable.
type Ledger interface {
	Record(rec RunRecord)
	Query(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// MemoryLedger keeps the most recent records in a bounded ring. It backs
// tests and deployments that do not want persistence.
type MemoryLedger struct {
	mu      sync.Mutex
	records []RunRecord
	max     int
}

// NewMemoryLedger creates a ledger retaining up to max records
// (default 1000 when max <= 0).
func NewMemoryLedger(max int) *MemoryLedger {
	if max <= 0 {
		max = 1000
	}
	return &MemoryLedger{max: max}
}

func (l *MemoryLedger) Record(rec RunRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
}

func (l *MemoryLedger) Query(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []RunRecord
	// Newest first, matching the persistent ledger's ordering.
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if !matchesFilter(rec, filter) {
			continue
		}
		out = append(out, rec)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(rec RunRecord, filter RunFilter) bool {
	if filter.TaskID != "" && rec.TaskID != filter.TaskID {
		return false
	}
	if filter.JobName != "" && rec.JobName != filter.JobName {
		return false
	}
	if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
		return false
	}
	switch filter.Outcome {
	case "success":
		if !rec.Success {
			return false
		}
	case "failure":
		if rec.Success {
			return false
		}
	}
	if !filter.Since.IsZero() && rec.StartedAt.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && rec.StartedAt.After(filter.Until) {
		return false
	}
	return true
}
