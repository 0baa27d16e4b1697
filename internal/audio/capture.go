package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyRecording = errors.New("audio: capture already running")

// MicStream is the subset of Mic used by Capture.
type MicStream interface {
	Start() error
	Stop() error
	Close() error
	Stream(w io.Writer) error
}

type MicOpener func(sampleRate int) (MicStream, error)

// Capture records one take per cycle: microphone audio is written to the
// Recorder and fanned out through the Tap to live consumers.
type Capture struct {
	open       MicOpener
	recorder   *Recorder
	tap        *Tap
	sampleRate int
	log        *slog.Logger
	newID      func() string
	sleep      func(time.Duration)

	mu     sync.Mutex
	mic    MicStream
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCapture(open MicOpener, recorder *Recorder, tap *Tap, sampleRate int, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	recorder.SetSampleRate(sampleRate)
	return &Capture{
		open:       open,
		recorder:   recorder,
		tap:        tap,
		sampleRate: sampleRate,
		log:        logger,
		newID:      newTakeID,
		sleep:      time.Sleep,
	}
}

// newTakeID names a take by its start time so a day's takes sort in order.
func newTakeID() string {
	return time.Now().UTC().Format("150405") + "-" + uuid.NewString()[:8]
}

func (c *Capture) SampleRate() int { return c.sampleRate }

func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic != nil {
		return ErrAlreadyRecording
	}

	mic, err := c.open(c.sampleRate)
	if err != nil {
		return fmt.Errorf("open microphone at %d Hz: %w", c.sampleRate, err)
	}
	if err := c.recorder.StartTake(c.newID()); err != nil {
		_ = mic.Close()
		return err
	}
	if err := mic.Start(); err != nil {
		_ = mic.Close()
		c.recorder.DiscardTake()
		return fmt.Errorf("start microphone: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	writer := c.recorder.Writer(c.tap)
	go func() {
		defer close(done)
		streamMicWithRetry(streamCtx, mic, writer, c.sleep, c.log)
	}()

	c.mic = mic
	c.cancel = cancel
	c.done = done
	return nil
}

// Stop ends the take and returns the path of the encoded recording.
func (c *Capture) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	mic, cancel, done := c.mic, c.cancel, c.done
	c.mic, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if mic == nil {
		return "", nil
	}

	cancel()
	var errs []error
	if err := mic.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop microphone: %w", err))
	}
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := mic.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close microphone: %w", err))
	}

	path, err := c.recorder.FinishTake()
	if err != nil {
		errs = append(errs, err)
	}
	return path, errors.Join(errs...)
}

func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic != nil
}

type micStreamer interface {
	Stream(writer io.Writer) error
}

func streamMicWithRetry(
	ctx context.Context,
	streamer micStreamer,
	writer io.Writer,
	wait func(time.Duration),
	logger *slog.Logger,
) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := streamer.Stream(writer)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			logger.Warn("mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		logger.Warn("mic stream error", "error", err)
		return
	}
}

// SelectSampleRate returns the first candidate rate the microphone accepts.
func SelectSampleRate(candidates []int, open MicOpener, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, rate := range candidates {
		mic, err := open(rate)
		if err != nil {
			logger.Warn("microphone open failed", "sample_rate", rate, "error", err)
			continue
		}
		_ = mic.Close()
		return rate, nil
	}
	return 0, fmt.Errorf("no usable microphone sample rate in %v", candidates)
}
