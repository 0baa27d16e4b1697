package session

import (
	"context"
	"time"
)

// RecognitionTimeoutCode is the recognizer error code for "no speech heard".
// It is expected during normal use and never surfaced to the user.
const RecognitionTimeoutCode = "timeout"

const defaultRecognitionError = "Speech recognition error"

type PermissionGate interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// AudioCapture records raw microphone audio for one cycle. Stop returns the
// location of the finished recording.
type AudioCapture interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (string, error)
	IsRecording() bool
}

type RecognitionEventType int

const (
	RecognitionStarted RecognitionEventType = iota
	RecognitionEnded
	RecognitionResult
	RecognitionError
)

type RecognitionEvent struct {
	Type RecognitionEventType
	// Hypotheses are ordered best first.
	Hypotheses []string
	Code       string
	Message    string
}

type Recognizer interface {
	Subscribe(handler func(RecognitionEvent)) (unsubscribe func())
	Start(ctx context.Context, locale string) error
	Stop(ctx context.Context) error
	Cancel(ctx context.Context) error
}

type ResponseGenerator interface {
	Generate(ctx context.Context, systemPrompt, transcript string) (string, error)
}

type SynthesisEventType int

const (
	SynthesisStarted SynthesisEventType = iota
	SynthesisDone
	SynthesisStopped
	SynthesisFailed
)

type SynthesisEvent struct {
	Type        SynthesisEventType
	UtteranceID string
	Err         error
}

// Synthesizer speaks asynchronously: Speak returns once playback has been
// scheduled and completion is reported through subscribed handlers.
type Synthesizer interface {
	Subscribe(handler func(SynthesisEvent)) (unsubscribe func())
	Speak(ctx context.Context, utteranceID, text string) error
	Stop(ctx context.Context) error
}

type NoticeKind string

const (
	NoticePermission  NoticeKind = "permission"
	NoticeStartFailed NoticeKind = "start_failed"
)

// Notice is a user-facing alert.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeInterrupted  Outcome = "interrupted"
	OutcomeReset        Outcome = "reset"
	OutcomeNoTranscript Outcome = "no_transcript"
	OutcomeStartFailed  Outcome = "start_failed"
	OutcomeSpeechFailed Outcome = "speech_failed"
)

// CycleRecord describes one finished record/reply cycle.
type CycleRecord struct {
	Cycle         uint64    `json:"cycle"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Outcome       Outcome   `json:"outcome"`
	Transcript    string    `json:"transcript"`
	Reply         string    `json:"reply"`
	Fallback      bool      `json:"fallback"`
	RecordingPath string    `json:"recording_path,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// EventSink receives session notifications in the order they were committed.
// Implementations must not call back into the Manager.
type EventSink interface {
	PhaseChanged(s Snapshot)
	TranscriptUpdated(text string)
	Notice(n Notice)
	CycleCompleted(rec CycleRecord)
}

type NopSink struct{}

func (NopSink) PhaseChanged(Snapshot)      {}
func (NopSink) TranscriptUpdated(string)   {}
func (NopSink) Notice(Notice)              {}
func (NopSink) CycleCompleted(CycleRecord) {}

// Sinks fans notifications out to several sinks.
type Sinks []EventSink

func (s Sinks) PhaseChanged(snap Snapshot) {
	for _, sink := range s {
		sink.PhaseChanged(snap)
	}
}

func (s Sinks) TranscriptUpdated(text string) {
	for _, sink := range s {
		sink.TranscriptUpdated(text)
	}
}

func (s Sinks) Notice(n Notice) {
	for _, sink := range s {
		sink.Notice(n)
	}
}

func (s Sinks) CycleCompleted(rec CycleRecord) {
	for _, sink := range s {
		sink.CycleCompleted(rec)
	}
}
