// Package janitor removes the temporary files a job creates. Every tracked
// path is attempted exactly once, whatever the job's outcome.
package janitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// reasonCleanupFailed is the diagnostic reason attached to removal failures.
const reasonCleanupFailed = "cleanup_failed"

const ledgerTimeout = 5 * time.Second

// Recorder persists tracked paths so a crashed process can be cleaned up later.
type Recorder interface {
	Record(ctx context.Context, jobID, path string) error
	Clear(ctx context.Context, jobID string) error
}

// Janitor owns the temp paths of one job.
type Janitor struct {
	mu       sync.Mutex
	jobID    string
	paths    []string
	seen     map[string]struct{}
	released bool

	ledger Recorder
	logger *slog.Logger
	remove func(string) error
}

// New creates a janitor for jobID. ledger may be nil.
func New(jobID string, ledger Recorder, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		jobID:  jobID,
		seen:   make(map[string]struct{}),
		ledger: ledger,
		logger: logger,
		remove: os.Remove,
	}
}

// Track adds path to the set removed by Release. Empty and already tracked
// paths are ignored.
func (j *Janitor) Track(path string) {
	if path == "" {
		return
	}

	j.mu.Lock()
	if j.released {
		j.mu.Unlock()
		j.logger.Warn("path tracked after release", "job_id", j.jobID, "path", path)
		return
	}
	if _, ok := j.seen[path]; ok {
		j.mu.Unlock()
		return
	}
	j.seen[path] = struct{}{}
	j.paths = append(j.paths, path)
	j.mu.Unlock()

	if j.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()
		if err := j.ledger.Record(ctx, j.jobID, path); err != nil {
			j.logger.Warn("failed to record artifact in ledger", "job_id", j.jobID, "path", path, "error", err)
		}
	}
}

// Release removes every tracked path once, in tracking order. A missing file
// counts as removed. Failures are logged and counted, never returned as
// errors. Calls after the first do nothing and return 0.
func (j *Janitor) Release() (failed int) {
	j.mu.Lock()
	if j.released {
		j.mu.Unlock()
		j.logger.Debug("janitor already released", "job_id", j.jobID)
		return 0
	}
	j.released = true
	paths := j.paths
	j.mu.Unlock()

	for _, p := range paths {
		err := j.remove(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		failed++
		j.logger.Warn("failed to remove temp file",
			"job_id", j.jobID,
			"path", p,
			"reason", reasonCleanupFailed,
			"error", err,
		)
	}

	if j.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()
		if err := j.ledger.Clear(ctx, j.jobID); err != nil {
			j.logger.Warn("failed to clear artifact ledger", "job_id", j.jobID, "error", err)
		}
	}

	j.logger.Debug("janitor released", "job_id", j.jobID, "paths", len(paths), "failed", failed)
	return failed
}

// Paths returns the tracked paths in tracking order.
func (j *Janitor) Paths() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.paths...)
}
