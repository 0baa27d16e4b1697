package audio

import (
	"io"
	"sync"
)

// Tap fans microphone audio out to attached writers. A failing writer never
// interrupts the capture stream or the other writers.
type Tap struct {
	mu    sync.RWMutex
	next  int
	sinks map[int]writerFunc
}

type writerFunc func(p []byte) (int, error)

func NewTap() *Tap {
	return &Tap{sinks: make(map[int]writerFunc)}
}

// Attach registers w until the returned detach func is called.
func (t *Tap) Attach(w io.Writer) (detach func()) {
	t.mu.Lock()
	id := t.next
	t.next++
	t.sinks[id] = w.Write
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		t.mu.Unlock()
	}
}

func (t *Tap) Write(p []byte) (int, error) {
	t.mu.RLock()
	sinks := make([]writerFunc, 0, len(t.sinks))
	for _, w := range t.sinks {
		sinks = append(sinks, w)
	}
	t.mu.RUnlock()

	for _, w := range sinks {
		_, _ = w(p)
	}
	return len(p), nil
}

func (t *Tap) Attached() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}
