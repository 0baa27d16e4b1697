package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/sjawhar/ghost-voice/internal/session"
)

const (
	ProviderOpenAI     = "openai"
	ProviderElevenLabs = "elevenlabs"
)

var (
	ErrMissingAPIKey = errors.New("tts: API key not configured")
	ErrNoProvider    = errors.New("tts: no speech provider configured")
)

// Audio is synthesized mono PCM16-LE speech.
type Audio struct {
	PCM        io.ReadCloser
	SampleRate int
}

type Provider interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

type Player interface {
	Play(ctx context.Context, pcm io.Reader, sampleRate int) error
}

type Options struct {
	Voice string
	Model string
	// Rate scales speaking speed; 1.0 is the provider's normal pace.
	Rate    float64
	BaseURL string
}

// NewProvider returns the named provider. A blank key is an error so callers
// can run without speech output.
func NewProvider(name, apiKey string, opts Options) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case ProviderOpenAI, ProviderElevenLabs:
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", name)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}
	if name == ProviderOpenAI {
		return newOpenAIProvider(apiKey, opts), nil
	}
	return newElevenLabsProvider(apiKey, opts, nil), nil
}

// Synthesizer speaks one utterance at a time. Starting a new utterance or
// calling Stop interrupts the current one.
type Synthesizer struct {
	provider Provider
	player   Player
	log      *slog.Logger
	events   *session.Emitter[session.SynthesisEvent]

	mu      sync.Mutex
	current *utterance
}

type utterance struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSynthesizer(provider Provider, player Player, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		provider: provider,
		player:   player,
		log:      logger,
		events:   session.NewEmitter[session.SynthesisEvent](),
	}
}

func (s *Synthesizer) Subscribe(handler func(session.SynthesisEvent)) func() {
	return s.events.Subscribe(handler)
}

// Speak schedules text for playback and returns without waiting for it.
func (s *Synthesizer) Speak(ctx context.Context, utteranceID, text string) error {
	if s.provider == nil || s.player == nil {
		return ErrNoProvider
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}

	playCtx, cancel := context.WithCancel(ctx)
	u := &utterance{id: utteranceID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.current = u
	s.mu.Unlock()

	go s.run(playCtx, u, text)
	return nil
}

func (s *Synthesizer) run(ctx context.Context, u *utterance, text string) {
	defer close(u.done)
	defer u.cancel()
	defer func() {
		s.mu.Lock()
		if s.current == u {
			s.current = nil
		}
		s.mu.Unlock()
	}()

	s.events.Emit(session.SynthesisEvent{Type: session.SynthesisStarted, UtteranceID: u.id})

	err := s.play(ctx, text)
	ev := session.SynthesisEvent{UtteranceID: u.id}
	switch {
	case ctx.Err() != nil:
		ev.Type = session.SynthesisStopped
	case err != nil:
		s.log.Warn("speech synthesis failed", "utterance", u.id, "error", err)
		ev.Type = session.SynthesisFailed
		ev.Err = err
	default:
		ev.Type = session.SynthesisDone
	}
	s.events.Emit(ev)
}

func (s *Synthesizer) play(ctx context.Context, text string) error {
	audio, err := s.provider.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer func() { _ = audio.PCM.Close() }()
	return s.player.Play(ctx, audio.PCM, audio.SampleRate)
}

// Stop interrupts the current utterance and waits until its final event has
// been delivered or ctx ends.
func (s *Synthesizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	u := s.current
	s.current = nil
	s.mu.Unlock()
	if u == nil {
		return nil
	}

	u.cancel()
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

var _ session.Synthesizer = (*Synthesizer)(nil)
