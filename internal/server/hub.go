package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/ghost-voice/internal/session"
)

// Hub fans session notifications out to connected screens. Slow clients drop
// messages rather than block the session.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	log     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[chan []byte]struct{}), log: logger}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) PhaseChanged(s session.Snapshot) {
	h.broadcastEvent(StateEvent{
		Event: newEvent("state", time.Now().UTC()),
		State: s,
	})
}

func (h *Hub) TranscriptUpdated(text string) {
	h.broadcastEvent(TranscriptEvent{
		Event: newEvent("transcript", time.Now().UTC()),
		Text:  text,
	})
}

func (h *Hub) Notice(n session.Notice) {
	h.broadcastEvent(NoticeEvent{
		Event:  newEvent("notice", time.Now().UTC()),
		Notice: n,
	})
}

func (h *Hub) CycleCompleted(rec session.CycleRecord) {
	h.broadcastEvent(CycleCompletedEvent{
		Event: newEvent("cycle_completed", rec.EndedAt),
		Cycle: rec,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("event marshal error", "error", err)
		return
	}
	h.Broadcast(payload)
}

var _ session.EventSink = (*Hub)(nil)
