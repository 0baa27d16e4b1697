package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/ghost-voice/internal/session"
	"github.com/sjawhar/ghost-voice/internal/storage"
)

var cycleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type CycleStore interface {
	ListCycles(date string) ([]storage.Cycle, error)
	GetCycle(id string) (storage.Cycle, error)
	ListDates() ([]string, error)
}

// VoiceControl is the session surface screens drive.
type VoiceControl interface {
	Initialize(ctx context.Context)
	State() session.Snapshot
	ToggleRecording(ctx context.Context) (session.Phase, error)
	Reset(ctx context.Context)
}

func registerAPIRoutes(mux *http.ServeMux, store CycleStore, voice VoiceControl, opts Options) {
	mux.HandleFunc("POST /api/voice/toggle", func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithoutCancel(r.Context())
		phase, err := voice.ToggleRecording(ctx)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"phase": phase,
			"state": voice.State(),
		})
	})

	mux.HandleFunc("POST /api/voice/reset", func(w http.ResponseWriter, r *http.Request) {
		voice.Reset(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusOK, voice.State())
	})

	mux.HandleFunc("GET /api/voice/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, voice.State())
	})

	mux.HandleFunc("GET /api/cycles", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}

		cycles, err := store.ListCycles(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list cycles: %v", err))
			return
		}
		if cycles == nil {
			cycles = []storage.Cycle{}
		}
		writeJSON(w, http.StatusOK, cycles)
	})

	mux.HandleFunc("GET /api/cycles/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validCycleID(id) {
			writeJSONError(w, http.StatusForbidden, "invalid cycle id")
			return
		}

		cycle, err := store.GetCycle(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get cycle: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, cycle)
	})

	mux.HandleFunc("GET /api/cycles/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validCycleID(id) {
			writeJSONError(w, http.StatusForbidden, "invalid cycle id")
			return
		}

		cycle, err := store.GetCycle(id)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "cycle not found")
			return
		}

		if cycle.RecordingPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(cycle.RecordingPath)
		if cleanPath == "" || cleanPath == "." || cleanPath == ".." || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.ListDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if opts.Warnings != nil {
			warnings = opts.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		state := voice.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"phase":      state.Phase,
			"permission": state.Permission,
			"warnings":   warnings,
		})
	})
}

func validCycleID(id string) bool {
	return cycleIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
