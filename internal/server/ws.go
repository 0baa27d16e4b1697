package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// screens counts mounted screens. The first mount initializes the session
// and the last unmount resets it.
type screens struct {
	mu    sync.Mutex
	count int
}

func (s *screens) mount(ctx context.Context, voice VoiceControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.count == 1 {
		voice.Initialize(ctx)
	}
}

func (s *screens) unmount(ctx context.Context, voice VoiceControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count--
	if s.count == 0 {
		voice.Reset(ctx)
	}
}

func registerWSRoute(mux *http.ServeMux, hub *Hub, voice VoiceControl, upgrader websocket.Upgrader, logger *slog.Logger) {
	mounted := &screens{}

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws upgrade error", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		// Session calls must outlive the request so teardown still runs
		// after the client disconnects.
		ctx := context.WithoutCancel(r.Context())

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		mounted.mount(ctx, voice)
		defer mounted.unmount(ctx, voice)

		if err := writeEvent(conn, ConnectionEvent{Event: newEvent("connection", time.Now().UTC()), Connected: true}); err != nil {
			return
		}
		if err := writeEvent(conn, StateEvent{Event: newEvent("state", time.Now().UTC()), State: voice.State()}); err != nil {
			return
		}

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			readClientMessages(ctx, conn, voice, logger)
		}()

		for {
			select {
			case <-closed:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	})
}

func readClientMessages(ctx context.Context, conn *websocket.Conn, voice VoiceControl, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("ignoring malformed client message", "error", err)
			continue
		}

		switch msg.Type {
		case ClientToggleRecording:
			if _, err := voice.ToggleRecording(ctx); err != nil {
				logger.Debug("toggle recording from screen", "error", err)
			}
		case ClientFocusLost:
			voice.Reset(ctx)
		default:
			logger.Debug("ignoring unknown client message", "type", msg.Type)
		}
	}
}

func writeEvent(conn *websocket.Conn, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
