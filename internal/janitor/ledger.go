package janitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// Entry is one artifact recorded in the ledger.
type Entry struct {
	JobID     string
	Path      string
	CreatedAt time.Time
}

// SweepResult is the outcome of sweeping one ledger entry.
type SweepResult struct {
	Entry
	Missing bool
	Err     error
}

// Ledger records tracked artifacts in SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLedger(db *sql.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger}
}

func (l *Ledger) Record(ctx context.Context, jobID, path string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO artifacts (job_id, path, created_at)
		VALUES (?, ?, ?)
	`, jobID, path, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (l *Ledger) Clear(ctx context.Context, jobID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM artifacts WHERE job_id = ?`, jobID)
	return err
}

// Pending lists every recorded artifact, oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id, path, created_at FROM artifacts ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.JobID, &e.Path, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sweep removes files left behind by jobs that never released them and
// deletes their rows. Entries whose file cannot be removed stay in the
// ledger for the next sweep. Only call Sweep while no job is running.
func (l *Ledger) Sweep(ctx context.Context) ([]SweepResult, error) {
	entries, err := l.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending artifacts: %w", err)
	}

	results := make([]SweepResult, 0, len(entries))
	for _, e := range entries {
		res := SweepResult{Entry: e}
		if err := os.Remove(e.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				res.Missing = true
			} else {
				res.Err = err
				l.logger.Warn("sweep failed to remove artifact",
					"job_id", e.JobID, "path", e.Path, "reason", reasonCleanupFailed, "error", err)
				results = append(results, res)
				continue
			}
		}

		if _, err := l.db.ExecContext(ctx, `DELETE FROM artifacts WHERE job_id = ? AND path = ?`, e.JobID, e.Path); err != nil {
			return results, fmt.Errorf("failed to delete ledger row for %s: %w", e.Path, err)
		}
		results = append(results, res)
	}

	if len(results) > 0 {
		l.logger.Info("swept leftover artifacts", "count", len(results))
	}
	return results, nil
}
