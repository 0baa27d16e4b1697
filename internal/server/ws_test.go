package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/ghost-voice/internal/session"
)

func TestWSBroadcastEventShape(t *testing.T) {
	hub := NewHub(nil)
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.TranscriptUpdated("test line")

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != "transcript" {
			t.Fatalf("expected event type transcript, got %#v", payload["type"])
		}
		if payload["text"] != "test line" {
			t.Fatalf("expected text field, got %#v", payload["text"])
		}
		if payload["version"] == nil {
			t.Fatalf("expected version field in payload: %s", string(msg))
		}
		if payload["timestamp"] == nil {
			t.Fatalf("expected timestamp field in payload: %s", string(msg))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for websocket broadcast")
	}
}

type wsFixture struct {
	server *httptest.Server
	hub    *Hub
	voice  *voiceStub
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	hub := NewHub(nil)
	voice := &voiceStub{}
	h, err := Handler(nil, hub, apiStoreStub{}, voice, Options{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &wsFixture{server: srv, hub: hub, voice: voice}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWSMountSendsConnectionThenState(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	defer conn.Close()

	if ev := readEvent(t, conn); ev["type"] != "connection" {
		t.Fatalf("expected connection event, got %#v", ev["type"])
	}
	ev := readEvent(t, conn)
	if ev["type"] != "state" {
		t.Fatalf("expected state event, got %#v", ev["type"])
	}
	state, ok := ev["state"].(map[string]any)
	if !ok || state["phase"] != "idle" {
		t.Fatalf("expected idle state, got %#v", ev["state"])
	}

	if initialized, _, _ := f.voice.counts(); initialized != 1 {
		t.Fatalf("expected Initialize once, got %d", initialized)
	}
}

func TestWSRelaysSessionEvents(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	defer conn.Close()
	readEvent(t, conn)
	readEvent(t, conn)

	f.hub.Notice(session.Notice{Kind: session.NoticePermission, Title: "Permission needed", Message: "Microphone access is required"})

	ev := readEvent(t, conn)
	if ev["type"] != "notice" {
		t.Fatalf("expected notice event, got %#v", ev["type"])
	}
	notice, _ := ev["notice"].(map[string]any)
	if notice["kind"] != "permission" {
		t.Fatalf("expected permission notice, got %#v", ev["notice"])
	}
}

func TestWSClientMessagesDriveSession(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	defer conn.Close()
	readEvent(t, conn)
	readEvent(t, conn)

	if err := conn.WriteJSON(ClientMessage{Type: ClientToggleRecording}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool {
		_, toggles, _ := f.voice.counts()
		return toggles == 1
	})

	if err := conn.WriteJSON(ClientMessage{Type: ClientFocusLost}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool {
		_, _, resets := f.voice.counts()
		return resets == 1
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteJSON(ClientMessage{Type: ClientToggleRecording}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool {
		_, toggles, _ := f.voice.counts()
		return toggles == 2
	})
}

func TestWSLastScreenUnmountResets(t *testing.T) {
	f := newWSFixture(t)
	first := f.dial(t)
	readEvent(t, first)
	second := f.dial(t)
	readEvent(t, second)

	if initialized, _, _ := f.voice.counts(); initialized != 1 {
		t.Fatalf("expected Initialize only for first screen, got %d", initialized)
	}

	_ = first.Close()
	time.Sleep(50 * time.Millisecond)
	if _, _, resets := f.voice.counts(); resets != 0 {
		t.Fatalf("expected no reset while a screen remains, got %d", resets)
	}

	_ = second.Close()
	waitFor(t, func() bool {
		_, _, resets := f.voice.counts()
		return resets == 1
	})
}

func TestNewUpgraderOrigins(t *testing.T) {
	up := newUpgrader([]string{"http://kiosk.local/"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://kiosk.local")
	if !up.CheckOrigin(req) {
		t.Fatal("expected configured origin to be allowed")
	}
	req.Header.Set("Origin", "http://evil.example")
	if up.CheckOrigin(req) {
		t.Fatal("expected other origin to be rejected")
	}

	if newUpgrader(nil).CheckOrigin != nil {
		t.Fatal("expected default same-origin check")
	}
}
