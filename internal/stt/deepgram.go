package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sjawhar/ghost-voice/internal/session"
)

// deepgramNoAudioCode is sent when the socket saw no audio for too long.
const deepgramNoAudioCode = "NET-0001"

const (
	DefaultModel  = "nova-2"
	DefaultSettle = 500 * time.Millisecond
)

var (
	ErrMissingAPIKey = errors.New("stt: deepgram API key not configured")
	ErrActive        = errors.New("stt: recognition already active")
	ErrConnect       = errors.New("stt: deepgram connect failed")
)

// Conn is the part of a Deepgram live socket the recognizer drives.
type Conn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Stop()
}

type Dialer func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (Conn, error)

// Source is where microphone audio comes from.
type Source interface {
	Attach(w io.Writer) (detach func())
}

type Options struct {
	APIKey     string
	Model      string
	SampleRate int
	// Settle is how long Stop keeps the socket open for trailing finals.
	Settle time.Duration
}

type Recognizer struct {
	opts   Options
	source Source
	dial   Dialer
	log    *slog.Logger
	events *session.Emitter[session.RecognitionEvent]

	mu     sync.Mutex
	gen    uint64
	conn   Conn
	cb     *callback
	detach func()
}

func NewRecognizer(opts Options, source Source, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recognizer{
		opts:   withDefaults(opts),
		source: source,
		log:    logger,
		events: session.NewEmitter[session.RecognitionEvent](),
	}
	r.dial = r.dialDeepgram
	return r
}

// WithDialer replaces the Deepgram socket constructor.
func (r *Recognizer) WithDialer(d Dialer) *Recognizer {
	r.dial = d
	return r
}

func withDefaults(opts Options) Options {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	return opts
}

func (r *Recognizer) dialDeepgram(ctx context.Context, tOptions *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (Conn, error) {
	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	dg, err := client.NewWSUsingCallback(ctx, r.opts.APIKey, cOptions, tOptions, cb)
	if err != nil {
		return nil, err
	}
	return dg, nil
}

func (r *Recognizer) Subscribe(handler func(session.RecognitionEvent)) func() {
	return r.events.Subscribe(handler)
}

func (r *Recognizer) Start(ctx context.Context, locale string) error {
	if strings.TrimSpace(r.opts.APIKey) == "" {
		return ErrMissingAPIKey
	}

	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return ErrActive
	}
	r.gen++
	gen := r.gen
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:       r.opts.Model,
		Language:    locale,
		Punctuate:   true,
		SmartFormat: true,
		Encoding:    "linear16",
		SampleRate:  r.opts.SampleRate,
		Channels:    1,
	}
	r.mu.Unlock()

	cb := &callback{r: r, gen: gen}
	conn, err := r.dial(ctx, tOptions, cb)
	if err != nil {
		return fmt.Errorf("stt: create deepgram client: %w", err)
	}
	if !conn.Connect() {
		conn.Stop()
		return ErrConnect
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		conn.Stop()
		return context.Canceled
	}
	r.conn = conn
	r.cb = cb
	r.detach = r.source.Attach(conn)
	r.log.Debug("deepgram stream started", "model", r.opts.Model, "language", locale, "sample_rate", r.opts.SampleRate)
	return nil
}

// Stop stops feeding audio and closes the socket after the settle window,
// during which late results are still delivered.
func (r *Recognizer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return nil
	}
	gen := r.gen
	r.detachLocked()
	r.mu.Unlock()

	if r.opts.Settle > 0 {
		timer := time.NewTimer(r.opts.Settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	r.mu.Lock()
	if r.gen != gen || r.conn == nil {
		r.mu.Unlock()
		return nil
	}
	conn, cb := r.conn, r.cb
	r.conn, r.cb = nil, nil
	r.mu.Unlock()

	conn.Stop()
	cb.end()
	return ctx.Err()
}

// Cancel drops the stream at once. No further events are delivered for it.
func (r *Recognizer) Cancel(context.Context) error {
	r.mu.Lock()
	r.gen++
	r.detachLocked()
	conn := r.conn
	r.conn, r.cb = nil, nil
	r.mu.Unlock()

	if conn != nil {
		conn.Stop()
	}
	return nil
}

func (r *Recognizer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Recognizer) detachLocked() {
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
}

func (r *Recognizer) emit(gen uint64, ev session.RecognitionEvent) {
	r.mu.Lock()
	current := r.gen == gen
	r.mu.Unlock()
	if current {
		r.events.Emit(ev)
	}
}

// callback receives socket events for one stream.
type callback struct {
	r   *Recognizer
	gen uint64

	mu      sync.Mutex
	finals  []string
	interim string
	closed  bool
}

func (c *callback) Open(*api.OpenResponse) error {
	c.r.log.Debug("connected to Deepgram")
	c.r.emit(c.gen, session.RecognitionEvent{Type: session.RecognitionStarted})
	return nil
}

func (c *callback) Message(mr *api.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)

	c.mu.Lock()
	if mr.IsFinal {
		if text != "" {
			c.finals = append(c.finals, text)
		}
		c.interim = ""
	} else {
		c.interim = text
	}
	hypothesis := joinTranscript(c.finals, c.interim)
	c.mu.Unlock()

	if hypothesis == "" {
		return nil
	}
	c.r.emit(c.gen, session.RecognitionEvent{
		Type:       session.RecognitionResult,
		Hypotheses: []string{hypothesis},
	})
	return nil
}

func (c *callback) Metadata(*api.MetadataResponse) error { return nil }

func (c *callback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*api.UtteranceEndResponse) error { return nil }

func (c *callback) Close(*api.CloseResponse) error {
	c.r.log.Debug("disconnected from Deepgram")
	c.end()
	return nil
}

// end reports the stream as ended once, whether the socket closed on its own
// or Stop closed it.
func (c *callback) end() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.r.emit(c.gen, session.RecognitionEvent{Type: session.RecognitionEnded})
	}
}

func (c *callback) Error(er *api.ErrorResponse) error {
	if er == nil {
		return nil
	}
	ev := session.RecognitionEvent{
		Type:    session.RecognitionError,
		Code:    er.ErrCode,
		Message: er.Description,
	}
	if er.ErrCode == deepgramNoAudioCode {
		ev.Code = session.RecognitionTimeoutCode
	} else {
		c.r.log.Warn("deepgram error", "code", er.ErrCode, "description", er.Description)
	}
	c.r.emit(c.gen, ev)
	return nil
}

func (c *callback) UnhandledEvent([]byte) error { return nil }

func joinTranscript(finals []string, interim string) string {
	parts := make([]string, 0, len(finals)+1)
	parts = append(parts, finals...)
	if interim != "" {
		parts = append(parts, interim)
	}
	return strings.Join(parts, " ")
}

var _ session.Recognizer = (*Recognizer)(nil)
