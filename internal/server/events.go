package server

import (
	"time"

	"github.com/sjawhar/ghost-voice/internal/session"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StateEvent struct {
	Event
	State session.Snapshot `json:"state"`
}

type TranscriptEvent struct {
	Event
	Text string `json:"text"`
}

type NoticeEvent struct {
	Event
	Notice session.Notice `json:"notice"`
}

type CycleCompletedEvent struct {
	Event
	Cycle session.CycleRecord `json:"cycle"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

// ClientMessage is sent by a screen over the socket.
type ClientMessage struct {
	Type string `json:"type"`
}

const (
	ClientToggleRecording = "toggle_recording"
	ClientFocusLost       = "focus_lost"
)

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
