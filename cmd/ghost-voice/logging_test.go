package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("debug", "JSON", &buf)
	logger.Debug("hello", "phase", "idle")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if payload["msg"] != "hello" || payload["phase"] != "idle" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestNewLoggerTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "", &buf)
	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("expected info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "msg=loud") {
		t.Fatalf("expected text warn line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}
