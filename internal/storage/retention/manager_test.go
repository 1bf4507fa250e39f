package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nashlabs/nash-stats/internal/storage/snapshot"
)

func writeSnapshotFile(t *testing.T, dir string, createdAtMs int64) string {
	t.Helper()
	path := filepath.Join(dir, snapshot.FileName(createdAtMs))
	if err := os.WriteFile(path, []byte("parquet"), 0644); err != nil {
		t.Fatalf("write snapshot file: %v", err)
	}
	return path
}

func TestSweep_DeletesExpired(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	old := writeSnapshotFile(t, dir, now.Add(-2*time.Hour).UnixMilli())
	fresh := writeSnapshotFile(t, dir, now.Add(-time.Minute).UnixMilli())

	m := New(Config{Dir: dir, Period: time.Hour, SweepInterval: time.Minute})
	result := m.Sweep()

	if result.FilesDeleted != 1 || result.FilesSkipped != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expired snapshot should be deleted")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh snapshot should survive: %v", err)
	}
}

func TestSweep_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()

	foreign := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(foreign, []byte("keep"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	m := New(Config{Dir: dir, Period: time.Nanosecond, SweepInterval: time.Minute})
	result := m.Sweep()

	if result.FilesDeleted != 0 {
		t.Errorf("foreign files must not be deleted: %+v", result)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("foreign file should survive: %v", err)
	}
}

func TestSweep_TracksHorizon(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	oldest := now.Add(-30 * time.Minute).UnixMilli()
	writeSnapshotFile(t, dir, oldest)
	writeSnapshotFile(t, dir, now.Add(-time.Minute).UnixMilli())

	m := New(Config{Dir: dir, Period: time.Hour, SweepInterval: time.Minute})
	m.Sweep()

	if m.Horizon() != oldest {
		t.Errorf("expected horizon %d, got %d", oldest, m.Horizon())
	}
}

func TestSweep_EmptyDir(t *testing.T) {
	m := New(Config{Dir: filepath.Join(t.TempDir(), "missing"), Period: time.Hour})
	result := m.Sweep()

	if result.FilesDeleted != 0 || len(result.Errors) != 0 {
		t.Errorf("empty dir sweep should be a no-op: %+v", result)
	}
	if m.Horizon() != 0 {
		t.Errorf("horizon should be zero with no snapshots, got %d", m.Horizon())
	}
}
