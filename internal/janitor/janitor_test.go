package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/detectrelay/detectrelay/internal/db"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewLedger(database.Conn(), testLogger())
}

func TestRelease_RemovesTrackedFiles(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.mp4")
	touch(t, a)
	touch(t, b)

	j := New("job-1", nil, testLogger())
	j.Track(a)
	j.Track(b)

	if failed := j.Release(); failed != 0 {
		t.Errorf("Release() failed = %d, want 0", failed)
	}
	if exists(a) || exists(b) {
		t.Error("tracked files still exist after Release")
	}
}

func TestTrack_IgnoresEmptyAndDuplicates(t *testing.T) {
	j := New("job-1", nil, testLogger())
	j.Track("")
	j.Track("/tmp/a")
	j.Track("/tmp/b")
	j.Track("/tmp/a")

	got := j.Paths()
	if len(got) != 2 || got[0] != "/tmp/a" || got[1] != "/tmp/b" {
		t.Errorf("Paths() = %v, want [/tmp/a /tmp/b]", got)
	}
}

func TestRelease_ExactlyOncePerPath(t *testing.T) {
	j := New("job-1", nil, testLogger())

	var mu sync.Mutex
	calls := map[string]int{}
	var order []string
	j.remove = func(p string) error {
		mu.Lock()
		defer mu.Unlock()
		calls[p]++
		order = append(order, p)
		return nil
	}

	j.Track("/tmp/input")
	j.Track("/tmp/output")
	j.Track("/tmp/input")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); j.Release() }()
	}
	wg.Wait()

	for _, p := range []string{"/tmp/input", "/tmp/output"} {
		if calls[p] != 1 {
			t.Errorf("remove(%s) called %d times, want 1", p, calls[p])
		}
	}
	if len(order) != 2 || order[0] != "/tmp/input" || order[1] != "/tmp/output" {
		t.Errorf("removal order = %v, want tracking order", order)
	}
}

func TestRelease_MissingFileIsNotFailure(t *testing.T) {
	j := New("job-1", nil, testLogger())
	j.Track(filepath.Join(t.TempDir(), "never-created.mp4"))

	if failed := j.Release(); failed != 0 {
		t.Errorf("Release() failed = %d, want 0", failed)
	}
}

func TestRelease_FailuresCountedAndOthersAttempted(t *testing.T) {
	j := New("job-1", nil, testLogger())
	var attempts atomic.Int32
	j.remove = func(p string) error {
		attempts.Add(1)
		if p == "/tmp/locked" {
			return errors.New("permission denied")
		}
		return nil
	}
	j.Track("/tmp/locked")
	j.Track("/tmp/free")

	if failed := j.Release(); failed != 1 {
		t.Errorf("Release() failed = %d, want 1", failed)
	}
	if attempts.Load() != 2 {
		t.Errorf("remove attempts = %d, want 2", attempts.Load())
	}
	if failed := j.Release(); failed != 0 {
		t.Errorf("second Release() failed = %d, want 0", failed)
	}
	if attempts.Load() != 2 {
		t.Errorf("second Release retried removals: attempts = %d", attempts.Load())
	}
}

func TestTrack_AfterReleaseIgnored(t *testing.T) {
	j := New("job-1", nil, testLogger())
	j.Release()
	j.Track("/tmp/late")

	if len(j.Paths()) != 0 {
		t.Errorf("Paths() = %v, want empty", j.Paths())
	}
}

func TestJanitor_LedgerRecordAndClear(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "video_job-1_1.mp4")
	touch(t, path)

	j := New("job-1", ledger, testLogger())
	j.Track(path)

	pending, err := ledger.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].JobID != "job-1" || pending[0].Path != path {
		t.Fatalf("Pending() = %+v, want one entry for job-1", pending)
	}

	j.Release()

	pending, err = ledger.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending() after Release = %+v, want empty", pending)
	}
}

func TestLedger_SweepRemovesLeftovers(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()
	dir := t.TempDir()

	left := filepath.Join(dir, "video_crashed_1.mp4")
	touch(t, left)
	gone := filepath.Join(dir, "video_crashed_2.mp4")

	// A job that died before Release leaves its rows behind.
	j := New("crashed", ledger, testLogger())
	j.Track(left)
	j.Track(gone)

	results, err := ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Sweep() results = %d, want 2", len(results))
	}
	if exists(left) {
		t.Error("leftover file still exists after Sweep")
	}
	var missing int
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("unexpected sweep error for %s: %v", r.Path, r.Err)
		}
		if r.Missing {
			missing++
		}
	}
	if missing != 1 {
		t.Errorf("missing = %d, want 1", missing)
	}

	pending, err := ledger.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending() after Sweep = %+v, want empty", pending)
	}
}

func TestLedger_SweepKeepsUnremovableRows(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()

	// A non-empty directory cannot be removed with os.Remove.
	dir := filepath.Join(t.TempDir(), "busy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(dir, "child"))

	if err := ledger.Record(ctx, "job-x", dir); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	results, err := ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("Sweep() = %+v, want one failed result", results)
	}

	pending, _ := ledger.Pending(ctx)
	if len(pending) != 1 {
		t.Errorf("Pending() = %d entries, want 1", len(pending))
	}
}
