package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer appends cycles to a daily markdown conversation log.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(c Cycle) error {
	entry := FormatMarkdown(c)
	if entry == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.PathFor(c.StartedAt.UTC().Format("2006-01-02"))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, entry); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) PathFor(date string) string {
	return filepath.Join(w.dir, date+".md")
}

func (w *Writer) CurrentPath() string {
	return w.PathFor(time.Now().UTC().Format("2006-01-02"))
}

// FormatMarkdown renders the exchange. Cycles without a transcript render
// as the empty string.
func FormatMarkdown(c Cycle) string {
	transcript := strings.TrimSpace(c.Transcript)
	if transcript == "" {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**[%s] You:** %s\n", c.StartedAt.UTC().Format("15:04:05"), transcript)
	if reply := strings.TrimSpace(c.Reply); reply != "" {
		label := "Assistant"
		if c.Fallback {
			label = "Assistant (offline)"
		}
		fmt.Fprintf(&b, "**[%s] %s:** %s\n", c.EndedAt.UTC().Format("15:04:05"), label, reply)
	}
	if c.Outcome != "" && c.Outcome != "completed" {
		fmt.Fprintf(&b, "_%s_\n", strings.ReplaceAll(c.Outcome, "_", " "))
	}
	return b.String()
}
