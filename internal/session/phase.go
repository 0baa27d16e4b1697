package session

import "fmt"

// Phase is the single state of a voice session. Exactly one phase is active
// at any time.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePermissionDenied
	PhaseCapturing
	PhaseFinalizing
	PhaseGenerating
	PhaseSpeaking
)

var phaseNames = map[Phase]string{
	PhaseIdle:             "idle",
	PhasePermissionDenied: "permission_denied",
	PhaseCapturing:        "capturing",
	PhaseFinalizing:       "finalizing",
	PhaseGenerating:       "generating",
	PhaseSpeaking:         "speaking",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Busy reports whether a cycle owns subsystems in this phase.
func (p Phase) Busy() bool {
	switch p {
	case PhaseCapturing, PhaseFinalizing, PhaseGenerating, PhaseSpeaking:
		return true
	default:
		return false
	}
}

// Permission is the cached microphone permission decision.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Snapshot is a read-only copy of the session record.
type Snapshot struct {
	Phase      Phase      `json:"phase"`
	Permission Permission `json:"permission"`
	Transcript string     `json:"transcript"`
	Reply      string     `json:"reply"`
	LastError  string     `json:"last_error,omitempty"`
	Listening  bool       `json:"listening"`
	Fallback   bool       `json:"fallback"`
	Cycle      uint64     `json:"cycle"`
}
