package journal

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) (*Journal, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	j, err := New(filepath.Join(t.TempDir(), "logs", "develop.journal"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	return j, &now
}

func TestJournalAppendAndTail(t *testing.T) {
	j, _ := newTestJournal(t)
	j.Info("sourcing nodes")
	j.Warn("slow plugin: %s", "filesystem")
	j.Error("query failed")

	lines := j.Tail(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "INFO") || !strings.Contains(lines[0], "sourcing nodes") {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], "slow plugin: filesystem") {
		t.Fatalf("format args not applied: %s", lines[1])
	}

	if got := j.Tail(2); len(got) != 2 || !strings.Contains(got[1], "query failed") {
		t.Fatalf("tail limit not applied: %+v", got)
	}
}

func TestSpanEndWritesSingleClosingEntry(t *testing.T) {
	j, now := newTestJournal(t)
	span := j.StartSpan("sess-1")
	*now = now.Add(1500 * time.Millisecond)
	span.End(nil)
	span.End(nil) // second finalize must be a no-op

	lines := j.Tail(10)
	if len(lines) != 2 {
		t.Fatalf("expected open + close entries, got %d: %+v", len(lines), lines)
	}
	if !strings.Contains(lines[1], "ended after 1.5s") {
		t.Fatalf("unexpected closing entry: %s", lines[1])
	}
}

func TestSpanEndWithError(t *testing.T) {
	j, _ := newTestJournal(t)
	span := j.StartSpan("sess-2")
	span.End(errors.New("bootstrap failed"))

	lines := j.Tail(10)
	last := lines[len(lines)-1]
	if !strings.Contains(last, "ERROR") || !strings.Contains(last, "bootstrap failed") {
		t.Fatalf("expected error close entry, got %s", last)
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.Info("ignored")
	if j.Tail(5) != nil {
		t.Fatalf("nil journal should tail nothing")
	}
	span := j.StartSpan("sess-3")
	span.End(nil)
}
