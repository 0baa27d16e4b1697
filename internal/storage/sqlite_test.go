package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func TestSQLitePragmas(t *testing.T) {
	store := newTestSQLiteStore(t)

	var mode string
	if err := store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode failed: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", mode)
	}

	var timeout int
	if err := store.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestSQLiteCycleCRUD(t *testing.T) {
	store := newTestSQLiteStore(t)

	startedAt := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	cycle := Cycle{
		ID:            "c-1",
		Seq:           3,
		StartedAt:     startedAt,
		EndedAt:       startedAt.Add(12 * time.Second),
		Outcome:       "completed",
		Transcript:    "  what time is it  ",
		Reply:         "It is ten o'clock.",
		Fallback:      true,
		RecordingPath: "data/audio/c-1.mp3",
	}
	if err := store.InsertCycle(cycle); err != nil {
		t.Fatalf("InsertCycle failed: %v", err)
	}

	if err := store.SetArchiveURI("c-1", "s3://voice/c-1.mp3"); err != nil {
		t.Fatalf("SetArchiveURI failed: %v", err)
	}

	got, err := store.GetCycle("c-1")
	if err != nil {
		t.Fatalf("GetCycle failed: %v", err)
	}
	if got.Seq != 3 || got.Outcome != "completed" {
		t.Fatalf("unexpected cycle: %+v", got)
	}
	if got.Transcript != "what time is it" {
		t.Fatalf("expected trimmed transcript, got %q", got.Transcript)
	}
	if !got.Fallback {
		t.Fatal("expected fallback flag to round-trip")
	}
	if got.ArchiveURI != "s3://voice/c-1.mp3" {
		t.Fatalf("expected archive uri, got %q", got.ArchiveURI)
	}
	if !got.EndedAt.Equal(cycle.EndedAt) {
		t.Fatalf("expected ended_at %v, got %v", cycle.EndedAt, got.EndedAt)
	}

	byDate, err := store.ListCycles("2026-02-26")
	if err != nil {
		t.Fatalf("ListCycles failed: %v", err)
	}
	if len(byDate) != 1 {
		t.Fatalf("expected 1 cycle for date, got %d", len(byDate))
	}

	dates, err := store.ListDates()
	if err != nil {
		t.Fatalf("ListDates failed: %v", err)
	}
	if len(dates) != 1 || dates[0] != "2026-02-26" {
		t.Fatalf("expected dates [2026-02-26], got %#v", dates)
	}
}

func TestSQLiteListCyclesNewestFirst(t *testing.T) {
	store := newTestSQLiteStore(t)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		c := Cycle{
			ID:        fmt.Sprintf("c-%d", i),
			Seq:       uint64(i + 1),
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 5*time.Second),
			Outcome:   "completed",
		}
		if err := store.InsertCycle(c); err != nil {
			t.Fatalf("InsertCycle failed: %v", err)
		}
	}
	other := Cycle{ID: "other", StartedAt: base.Add(-24 * time.Hour), EndedAt: base.Add(-24 * time.Hour), Outcome: "reset"}
	if err := store.InsertCycle(other); err != nil {
		t.Fatalf("InsertCycle failed: %v", err)
	}

	cycles, err := store.ListCycles("2026-03-01")
	if err != nil {
		t.Fatalf("ListCycles failed: %v", err)
	}
	if len(cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(cycles))
	}
	if cycles[0].ID != "c-2" || cycles[2].ID != "c-0" {
		t.Fatalf("expected newest first, got %s..%s", cycles[0].ID, cycles[2].ID)
	}

	dates, err := store.ListDates()
	if err != nil {
		t.Fatalf("ListDates failed: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2026-03-01" {
		t.Fatalf("expected two dates newest first, got %#v", dates)
	}
}

func TestSQLiteInsertRequiresID(t *testing.T) {
	store := newTestSQLiteStore(t)
	if err := store.InsertCycle(Cycle{}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestSQLiteMissingCycle(t *testing.T) {
	store := newTestSQLiteStore(t)

	if _, err := store.GetCycle("nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if err := store.SetArchiveURI("nope", "s3://x"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSQLiteConcurrentAccess(t *testing.T) {
	store := newTestSQLiteStore(t)

	startedAt := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = store.InsertCycle(Cycle{
				ID:         fmt.Sprintf("cycle-%d", idx),
				Seq:        uint64(idx),
				StartedAt:  startedAt,
				EndedAt:    startedAt.Add(time.Duration(idx) * time.Second),
				Outcome:    "completed",
				Transcript: fmt.Sprintf("utterance-%d", idx),
			})
			_, _ = store.ListDates()
		}(i)
	}
	wg.Wait()

	cycles, err := store.ListCycles(startedAt.Format("2006-01-02"))
	if err != nil {
		t.Fatalf("ListCycles failed: %v", err)
	}
	if len(cycles) != 20 {
		t.Fatalf("expected 20 cycles, got %d", len(cycles))
	}
}
