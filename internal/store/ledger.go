package store

import (
	"context"
	"log/slog"
	"sync"

	"autofleet/internal/core"
)

// Ledger persists run records to SQLite. Record never fails: when the
// database is unavailable the record is buffered in memory (bounded) and
// the buffer is drained on the next append, so the dispatcher is never
// blocked by storage trouble.
type Ledger struct {
	store *Store
	log   *slog.Logger

	mu      sync.Mutex
	pending []core.RunRecord
	maxBuf  int
}

// NewLedger wraps a store as a run ledger. maxBuffer caps the in-memory
// overflow (default 1000 when <= 0).
func NewLedger(store *Store, log *slog.Logger, maxBuffer int) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	if maxBuffer <= 0 {
		maxBuffer = 1000
	}
	return &Ledger{store: store, log: log, maxBuf: maxBuffer}
}

func (l *Ledger) Record(rec core.RunRecord) {
	ctx := context.Background()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drain anything buffered from earlier failures first so ordering
	// is preserved.
	for len(l.pending) > 0 {
		if err := l.store.InsertRun(ctx, &l.pending[0]); err != nil {
			break
		}
		l.pending = l.pending[1:]
	}

	if len(l.pending) == 0 {
		err := l.store.InsertRun(ctx, &rec)
		if err == nil {
			return
		}
		l.log.Warn("run record buffered, storage unavailable", "task", rec.TaskID, "err", err)
	}
	l.pending = append(l.pending, rec)
	if len(l.pending) > l.maxBuf {
		l.log.Error("run ledger buffer overflow, dropping oldest record")
		l.pending = l.pending[1:]
	}
}

func (l *Ledger) Query(ctx context.Context, filter core.RunFilter) ([]core.RunRecord, error) {
	return l.store.QueryRuns(ctx, filter)
}
