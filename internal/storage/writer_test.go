package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.UTC)
	c := Cycle{
		StartedAt:  ts,
		EndedAt:    ts.Add(4 * time.Second),
		Outcome:    "completed",
		Transcript: "Hello there.",
		Reply:      "Hi! How can I help?",
	}

	if err := w.Append(c); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := filepath.Join(dir, "2026-02-26.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "**[10:30:00] You:** Hello there.") {
		t.Errorf("expected user line in content, got: %s", content)
	}
	if !strings.Contains(content, "**[10:30:04] Assistant:** Hi! How can I help?") {
		t.Errorf("expected assistant line in content, got: %s", content)
	}
}

func TestWriterMultipleAppends(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.UTC)

	_ = w.Append(Cycle{StartedAt: ts, EndedAt: ts, Outcome: "completed", Transcript: "First.", Reply: "One."})
	_ = w.Append(Cycle{StartedAt: ts, EndedAt: ts, Outcome: "completed", Transcript: "Second.", Reply: "Two."})

	data, _ := os.ReadFile(w.PathFor("2026-02-26"))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	if len(lines) < 4 {
		t.Fatalf("expected at least 4 lines, got %d", len(lines))
	}
}

func TestWriterSkipsEmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Append(Cycle{StartedAt: time.Now(), Outcome: "no_transcript"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no log file, got %d entries", len(entries))
	}
}

func TestFormatMarkdownMarksFallbackAndOutcome(t *testing.T) {
	ts := time.Date(2026, 2, 26, 9, 0, 0, 0, time.UTC)
	got := FormatMarkdown(Cycle{
		StartedAt:  ts,
		EndedAt:    ts,
		Outcome:    "interrupted",
		Transcript: "tell me a story",
		Reply:      "Once upon a time",
		Fallback:   true,
	})

	if !strings.Contains(got, "Assistant (offline):") {
		t.Fatalf("expected fallback label, got %q", got)
	}
	if !strings.Contains(got, "_interrupted_") {
		t.Fatalf("expected outcome marker, got %q", got)
	}
}
