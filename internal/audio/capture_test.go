package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeMic struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	startErr error
	chunk    []byte
	stopped  chan struct{}
	once     sync.Once
}

func newFakeMic(chunk []byte) *fakeMic {
	return &fakeMic{chunk: chunk, stopped: make(chan struct{})}
}

func (m *fakeMic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *fakeMic) Stop() error {
	m.once.Do(func() { close(m.stopped) })
	return nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Stream writes one chunk and then blocks until Stop, like a real device.
func (m *fakeMic) Stream(w io.Writer) error {
	if _, err := w.Write(m.chunk); err != nil {
		return err
	}
	<-m.stopped
	return errors.New("stream stopped")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCaptureRecordsAndFeedsTap(t *testing.T) {
	dir := t.TempDir()
	recorder := NewRecorder(dir)
	recorder.compress = pcmCompressor
	tap := NewTap()
	live := &syncBuffer{}
	detach := tap.Attach(live)
	defer detach()

	mic := newFakeMic([]byte("pcm-bytes"))
	var openedRate int
	capture := NewCapture(func(rate int) (MicStream, error) {
		openedRate = rate
		return mic, nil
	}, recorder, tap, 16000, testLogger())
	capture.newID = func() string { return "take-1" }

	if err := capture.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if openedRate != 16000 {
		t.Fatalf("expected microphone opened at 16000 Hz, got %d", openedRate)
	}
	if !capture.IsRecording() {
		t.Fatal("expected capture to be recording")
	}
	if err := capture.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for live.String() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	path, err := capture.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if capture.IsRecording() {
		t.Fatal("expected capture stopped")
	}
	if !mic.closed {
		t.Fatal("expected microphone closed")
	}
	if live.String() != "pcm-bytes" {
		t.Fatalf("expected live consumer to receive audio, got %q", live.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if string(data) != "pcm-bytes" {
		t.Fatalf("expected recording to contain audio, got %q", string(data))
	}
}

func TestCaptureStopWhenIdle(t *testing.T) {
	capture := NewCapture(func(int) (MicStream, error) { return nil, errors.New("unused") }, NewRecorder(t.TempDir()), NewTap(), 16000, testLogger())
	path, err := capture.Stop(context.Background())
	if err != nil || path != "" {
		t.Fatalf("expected no-op stop, got path=%q err=%v", path, err)
	}
}

func TestCaptureStartFailureReleasesMicrophone(t *testing.T) {
	dir := t.TempDir()
	mic := newFakeMic(nil)
	mic.startErr = errors.New("device busy")
	capture := NewCapture(func(int) (MicStream, error) { return mic, nil }, NewRecorder(dir), NewTap(), 16000, testLogger())

	if err := capture.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if !mic.closed {
		t.Fatal("expected microphone closed after failed start")
	}
	if capture.IsRecording() {
		t.Fatal("expected capture idle after failed start")
	}
}

func TestCaptureOpenFailure(t *testing.T) {
	capture := NewCapture(func(int) (MicStream, error) { return nil, errors.New("no device") }, NewRecorder(t.TempDir()), NewTap(), 44100, testLogger())
	err := capture.Start(context.Background())
	if err == nil || capture.IsRecording() {
		t.Fatalf("expected open failure, got %v", err)
	}
}

type scriptedStreamer struct {
	errs  []error
	calls int
}

func (s *scriptedStreamer) Stream(io.Writer) error {
	i := s.calls
	s.calls++
	if i < len(s.errs) {
		return s.errs[i]
	}
	return nil
}

func TestStreamMicWithRetryRestartsOnOverflow(t *testing.T) {
	streamer := &scriptedStreamer{errs: []error{errors.New("Input overflowed"), errors.New("input overflow")}}
	var waits int
	streamMicWithRetry(context.Background(), streamer, io.Discard, func(time.Duration) { waits++ }, testLogger())

	if streamer.calls != 3 {
		t.Fatalf("expected 3 stream attempts, got %d", streamer.calls)
	}
	if waits != 2 {
		t.Fatalf("expected 2 waits, got %d", waits)
	}
}

func TestStreamMicWithRetryStopsOnOtherErrors(t *testing.T) {
	streamer := &scriptedStreamer{errs: []error{errors.New("device unplugged"), errors.New("never reached")}}
	streamMicWithRetry(context.Background(), streamer, io.Discard, func(time.Duration) {}, testLogger())
	if streamer.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", streamer.calls)
	}
}

func TestSelectSampleRate(t *testing.T) {
	var tried []int
	rate, err := SelectSampleRate([]int{16000, 48000, 44100}, func(rate int) (MicStream, error) {
		tried = append(tried, rate)
		if rate == 16000 {
			return nil, errors.New("invalid sample rate")
		}
		return newFakeMic(nil), nil
	}, testLogger())
	if err != nil {
		t.Fatalf("SelectSampleRate failed: %v", err)
	}
	if rate != 48000 {
		t.Fatalf("expected 48000, got %d", rate)
	}
	if len(tried) != 2 {
		t.Fatalf("expected to stop at the first working rate, tried %v", tried)
	}

	if _, err := SelectSampleRate([]int{8000}, func(int) (MicStream, error) { return nil, errors.New("nope") }, testLogger()); err == nil {
		t.Fatal("expected error when no rate works")
	}
}
