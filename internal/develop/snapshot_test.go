package develop

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotRepositoryLoadMissing(t *testing.T) {
	repo := NewSnapshotRepository(t.TempDir())
	if _, err := repo.Load(); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestSnapshotRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo := NewSnapshotRepository(filepath.Join(dir, "state"))
	want := Snapshot{
		SessionID:        "sess-1",
		State:            StateWaiting,
		SourceFilesDirty: true,
		Clean:            false,
		UpdatedAt:        time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	if err := repo.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSnapshotRepositoryLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	repo := NewSnapshotRepository(dir)
	if err := os.WriteFile(filepath.Join(dir, "session.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	if _, err := repo.Load(); err == nil {
		t.Fatalf("expected parse error for corrupt snapshot")
	}
}
