package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	permissionTitle   = "Permission Required"
	permissionMessage = "Please grant microphone permission to record audio."
	startFailedTitle  = "Error"
	startFailedText   = "Failed to start recording"
)

// DefaultBargeInGrace is how long after playback ends a toggle is still
// taken as an interruption of that playback.
const DefaultBargeInGrace = 750 * time.Millisecond

type Config struct {
	SystemPrompt string
	Locale       string
	// GenerationTimeout bounds reply generation. Zero disables the deadline.
	GenerationTimeout time.Duration
	// BargeInGrace absorbs a toggle that races the end of playback. Zero
	// uses DefaultBargeInGrace, a negative value disables it.
	BargeInGrace time.Duration
	Logger       *slog.Logger
}

// Manager drives one voice session: capture, recognition, reply generation
// and playback, one cycle at a time.
type Manager struct {
	gate       PermissionGate
	capture    AudioCapture
	recognizer Recognizer
	generator  ResponseGenerator
	synth      Synthesizer
	sink       EventSink
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
	fallback   func(string) string

	// ops serializes user actions and the generation hand-off so that a
	// cycle's stop calls finish before another cycle starts.
	ops sync.Mutex
	// emitMu keeps sink delivery in commit order.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       Snapshot
	accepting   bool
	cycleCtx    context.Context
	cancelCycle context.CancelFunc
	utterance   string
	startedAt   time.Time
	recording   string
	// playbackEnded is when the last reply finished speaking on its own.
	playbackEnded time.Time
	unsubscribe   []func()
	closed      bool

	wg sync.WaitGroup
}

func NewManager(gate PermissionGate, capture AudioCapture, recognizer Recognizer, generator ResponseGenerator, synth Synthesizer, sink EventSink, cfg Config) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if cfg.BargeInGrace == 0 {
		cfg.BargeInGrace = DefaultBargeInGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		gate:       gate,
		capture:    capture,
		recognizer: recognizer,
		generator:  generator,
		synth:      synth,
		sink:       sink,
		cfg:        cfg,
		log:        logger,
		now:        func() time.Time { return time.Now().UTC() },
		fallback:   FallbackReply,
	}
}

type outbox struct {
	changed    bool
	transcript *string
	notices    []Notice
	records    []CycleRecord
}

// commit runs fn under the state lock and then delivers what it produced.
func (m *Manager) commit(fn func(out *outbox)) {
	var out outbox
	m.mu.Lock()
	fn(&out)
	snap := m.state
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	if out.changed {
		m.log.Debug("voice session state",
			"phase", snap.Phase.String(),
			"cycle", snap.Cycle,
			"listening", snap.Listening,
			"transcript_len", len(snap.Transcript),
			"last_error", snap.LastError,
		)
		m.sink.PhaseChanged(snap)
	}
	if out.transcript != nil {
		m.sink.TranscriptUpdated(*out.transcript)
	}
	for _, n := range out.notices {
		m.sink.Notice(n)
	}
	for _, rec := range out.records {
		m.sink.CycleCompleted(rec)
	}
}

// Initialize resolves microphone permission and subscribes to recognizer
// and synthesizer events. It is safe to call on every screen mount.
func (m *Manager) Initialize(ctx context.Context) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	needSubscribe := m.unsubscribe == nil
	m.mu.Unlock()

	if needSubscribe {
		unsubs := []func(){
			m.recognizer.Subscribe(m.onRecognition),
			m.synth.Subscribe(m.onSynthesis),
		}
		m.mu.Lock()
		m.unsubscribe = unsubs
		m.mu.Unlock()
	}

	granted := m.requestPermission(ctx)
	m.commit(func(out *outbox) {
		m.state.Permission = permissionFrom(granted)
		if granted && m.state.Phase == PhasePermissionDenied {
			m.state.Phase = PhaseIdle
		}
		out.changed = true
	})
}

// State returns a copy of the current session record.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ToggleRecording is the single user action: it starts a cycle, finishes
// capture, or interrupts playback depending on the current phase. Toggles
// while a reply is being prepared are ignored.
func (m *Manager) ToggleRecording(ctx context.Context) (Phase, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	closed := m.closed
	phase := m.state.Phase
	lateBargeIn := phase == PhaseIdle && m.withinBargeInGraceLocked()
	if lateBargeIn {
		m.playbackEnded = time.Time{}
	}
	m.mu.Unlock()
	if closed {
		return phase, ErrClosed
	}
	if lateBargeIn {
		// The reply ended while this toggle was on its way to interrupt it.
		m.log.Debug("toggle absorbed as barge-in after playback ended")
		return PhaseIdle, nil
	}

	switch phase {
	case PhaseIdle, PhasePermissionDenied:
		return m.startCycle(ctx)
	case PhaseCapturing:
		return m.finishCapture(ctx), nil
	case PhaseSpeaking:
		return m.bargeIn(ctx), nil
	default:
		m.log.Debug("toggle ignored while reply is pending", "phase", phase.String())
		return phase, nil
	}
}

func (m *Manager) startCycle(ctx context.Context) (Phase, error) {
	m.mu.Lock()
	permission := m.state.Permission
	m.mu.Unlock()

	if permission == PermissionUnknown {
		permission = permissionFrom(m.requestPermission(ctx))
	}
	if permission != PermissionGranted {
		m.commit(func(out *outbox) {
			m.state.Permission = permission
			m.state.Phase = PhasePermissionDenied
			out.changed = true
			out.notices = append(out.notices, Notice{Kind: NoticePermission, Title: permissionTitle, Message: permissionMessage})
		})
		return PhasePermissionDenied, nil
	}

	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var id uint64
	m.commit(func(out *outbox) {
		if m.cancelCycle != nil {
			m.cancelCycle()
		}
		m.state.Cycle++
		id = m.state.Cycle
		m.state.Permission = PermissionGranted
		m.state.Transcript = ""
		m.state.Reply = ""
		m.state.LastError = ""
		m.state.Listening = false
		m.state.Fallback = false
		m.cycleCtx = cycleCtx
		m.cancelCycle = cancel
		m.accepting = true
		m.utterance = ""
		m.recording = ""
		m.startedAt = m.now()
	})

	// Drop any recognition left over from an earlier session.
	if err := m.recognizer.Cancel(ctx); err != nil {
		m.log.Debug("cancel recognizer before start", "error", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := m.recognizer.Start(cycleCtx, m.cfg.Locale); err != nil {
			return fmt.Errorf("start recognizer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.capture.Start(cycleCtx); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		return nil
	})
	startErr := g.Wait()

	if startErr != nil {
		m.log.Warn("voice cycle start failed", "cycle", id, "error", startErr)
		m.stopCapture(ctx)
		m.stopRecognizer(ctx)
		m.commit(func(out *outbox) {
			if m.state.Cycle != id {
				return
			}
			m.endCycleLocked(out, OutcomeStartFailed, startErr.Error())
			m.state.LastError = startFailedText
			out.notices = append(out.notices, Notice{Kind: NoticeStartFailed, Title: startFailedTitle, Message: startFailedText})
		})
		return PhaseIdle, fmt.Errorf("%w: %w", ErrStartFailed, startErr)
	}

	phase := PhaseIdle
	m.commit(func(out *outbox) {
		if m.state.Cycle != id {
			phase = m.state.Phase
			return
		}
		m.state.Phase = PhaseCapturing
		phase = PhaseCapturing
		out.changed = true
	})
	return phase, nil
}

func (m *Manager) finishCapture(ctx context.Context) Phase {
	var id uint64
	m.commit(func(out *outbox) {
		id = m.state.Cycle
		m.state.Phase = PhaseFinalizing
		out.changed = true
	})

	path := m.stopCapture(ctx)
	m.stopRecognizer(ctx)

	var (
		phase      Phase
		transcript string
		cycleCtx   context.Context
	)
	m.commit(func(out *outbox) {
		phase = m.state.Phase
		if m.state.Cycle != id || phase != PhaseFinalizing {
			return
		}
		m.accepting = false
		m.state.Listening = false
		m.recording = path
		transcript = strings.TrimSpace(m.state.Transcript)
		if transcript == "" {
			m.endCycleLocked(out, OutcomeNoTranscript, "")
			phase = PhaseIdle
			return
		}
		m.state.Transcript = transcript
		m.state.Phase = PhaseGenerating
		phase = PhaseGenerating
		cycleCtx = m.cycleCtx
		out.changed = true
	})

	if phase == PhaseGenerating {
		m.wg.Add(1)
		go m.generate(cycleCtx, id, transcript)
	}
	return phase
}

func (m *Manager) generate(cycleCtx context.Context, id uint64, transcript string) {
	defer m.wg.Done()

	genCtx := cycleCtx
	if m.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(cycleCtx, m.cfg.GenerationTimeout)
		defer cancel()
	}

	reply, err := m.generator.Generate(genCtx, m.cfg.SystemPrompt, transcript)
	reply = strings.TrimSpace(reply)
	usedFallback := false
	if err != nil || reply == "" {
		if cycleCtx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("empty reply")
		}
		m.log.Warn("reply generation failed, using fallback", "cycle", id, "error", err)
		reply = m.fallback(transcript)
		usedFallback = true
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	utterance := fmt.Sprintf("cycle-%d", id)
	current := false
	m.commit(func(out *outbox) {
		if m.state.Cycle != id || m.state.Phase != PhaseGenerating {
			return
		}
		current = true
		m.state.Reply = reply
		m.state.Fallback = usedFallback
		m.state.Phase = PhaseSpeaking
		m.utterance = utterance
		out.changed = true
	})
	if !current {
		m.log.Debug("dropping stale reply", "cycle", id)
		return
	}

	if err := m.synth.Speak(cycleCtx, utterance, reply); err != nil {
		m.log.Warn("speech synthesis failed", "cycle", id, "error", err)
		m.commit(func(out *outbox) {
			if m.state.Cycle != id || m.utterance != utterance {
				return
			}
			m.endCycleLocked(out, OutcomeSpeechFailed, err.Error())
		})
	}
}

func (m *Manager) bargeIn(ctx context.Context) Phase {
	phase := PhaseIdle
	m.commit(func(out *outbox) {
		// This toggle was the interruption, whichever way the race went.
		m.playbackEnded = time.Time{}
		if m.state.Phase != PhaseSpeaking {
			phase = m.state.Phase
			return
		}
		m.endCycleLocked(out, OutcomeInterrupted, "")
		// Invalidate callbacks from the interrupted utterance.
		m.state.Cycle++
	})
	if phase != PhaseIdle {
		return phase
	}

	if err := m.synth.Stop(ctx); err != nil {
		m.log.Debug("stop synthesizer on barge-in", "error", err)
	}
	return PhaseIdle
}

// Reset tears the session down regardless of phase. Every subsystem is
// stopped independently and failures are only logged. Calling Reset on an
// idle session is a no-op apart from the stop calls.
func (m *Manager) Reset(ctx context.Context) {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.resetLocked(ctx)
}

func (m *Manager) resetLocked(ctx context.Context) {
	m.commit(func(out *outbox) {
		if m.state.Phase.Busy() || m.accepting {
			m.endCycleLocked(out, OutcomeReset, "")
		} else {
			m.clearLocked()
			m.state.Phase = PhaseIdle
		}
		m.state.Cycle++
		m.state.LastError = ""
		m.playbackEnded = time.Time{}
		out.changed = true
	})

	m.stopCapture(ctx)
	m.stopRecognizer(ctx)
	if err := m.synth.Stop(ctx); err != nil {
		m.log.Debug("stop synthesizer on reset", "error", err)
	}
}

// Close resets the session, releases event subscriptions and waits for
// in-flight generation to observe cancellation.
func (m *Manager) Close(ctx context.Context) error {
	m.ops.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.ops.Unlock()
		return nil
	}
	m.closed = true
	unsubs := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	m.resetLocked(ctx)
	for _, unsub := range unsubs {
		unsub()
	}
	m.ops.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) onRecognition(ev RecognitionEvent) {
	m.commit(func(out *outbox) {
		if !m.accepting {
			return
		}
		switch ev.Type {
		case RecognitionStarted:
			m.state.Listening = true
			m.state.LastError = ""
			out.changed = true
		case RecognitionEnded:
			m.state.Listening = false
			out.changed = true
		case RecognitionResult:
			if len(ev.Hypotheses) == 0 {
				return
			}
			text := ev.Hypotheses[0]
			m.state.Transcript = text
			m.state.LastError = ""
			out.transcript = &text
			out.changed = true
		case RecognitionError:
			m.state.Listening = false
			out.changed = true
			if ev.Code == RecognitionTimeoutCode {
				m.log.Debug("recognition timed out without speech")
				return
			}
			msg := strings.TrimSpace(ev.Message)
			if msg == "" {
				msg = defaultRecognitionError
			}
			m.log.Warn("speech recognition error", "code", ev.Code, "message", msg)
			m.state.LastError = msg
		}
	})
}

func (m *Manager) onSynthesis(ev SynthesisEvent) {
	m.commit(func(out *outbox) {
		if m.state.Phase != PhaseSpeaking || ev.UtteranceID != m.utterance {
			return
		}
		switch ev.Type {
		case SynthesisDone:
			m.endCycleLocked(out, OutcomeCompleted, "")
		case SynthesisStopped:
			m.endCycleLocked(out, OutcomeInterrupted, "")
		case SynthesisFailed:
			errText := ""
			if ev.Err != nil {
				errText = ev.Err.Error()
			}
			m.log.Warn("speech playback failed", "utterance", ev.UtteranceID, "error", errText)
			m.endCycleLocked(out, OutcomeSpeechFailed, errText)
		default:
			return
		}
		m.playbackEnded = m.now()
	})
}

// endCycleLocked records the current cycle and returns the session to Idle.
func (m *Manager) endCycleLocked(out *outbox, outcome Outcome, errText string) {
	out.records = append(out.records, CycleRecord{
		Cycle:         m.state.Cycle,
		StartedAt:     m.startedAt,
		EndedAt:       m.now(),
		Outcome:       outcome,
		Transcript:    m.state.Transcript,
		Reply:         m.state.Reply,
		Fallback:      m.state.Fallback,
		RecordingPath: m.recording,
		Error:         errText,
	})
	m.clearLocked()
	m.state.Phase = PhaseIdle
	out.changed = true
}

func (m *Manager) withinBargeInGraceLocked() bool {
	if m.cfg.BargeInGrace < 0 || m.playbackEnded.IsZero() {
		return false
	}
	return m.now().Sub(m.playbackEnded) < m.cfg.BargeInGrace
}

func (m *Manager) clearLocked() {
	if m.cancelCycle != nil {
		m.cancelCycle()
		m.cancelCycle = nil
	}
	m.cycleCtx = nil
	m.accepting = false
	m.utterance = ""
	m.recording = ""
	m.startedAt = time.Time{}
	m.state.Transcript = ""
	m.state.Reply = ""
	m.state.Listening = false
	m.state.Fallback = false
}

func (m *Manager) requestPermission(ctx context.Context) bool {
	granted, err := m.gate.RequestPermission(ctx)
	if err != nil {
		m.log.Warn("microphone permission request failed", "error", err)
		return false
	}
	return granted
}

func (m *Manager) stopCapture(ctx context.Context) string {
	if !m.capture.IsRecording() {
		return ""
	}
	path, err := m.capture.Stop(ctx)
	if err != nil {
		m.log.Debug("stop audio capture", "error", err)
	}
	return path
}

func (m *Manager) stopRecognizer(ctx context.Context) {
	if err := m.recognizer.Stop(ctx); err != nil {
		m.log.Debug("stop recognizer", "error", err)
	}
	if err := m.recognizer.Cancel(ctx); err != nil {
		m.log.Debug("cancel recognizer", "error", err)
	}
}

func permissionFrom(granted bool) Permission {
	if granted {
		return PermissionGranted
	}
	return PermissionDenied
}
