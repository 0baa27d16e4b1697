package audio

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// MicGate decides microphone permission for the daemon: recording is allowed
// when it is enabled in configuration and an input device is present.
type MicGate struct {
	enabled bool
	probe   func() error
}

func NewMicGate(enabled bool) *MicGate {
	return &MicGate{
		enabled: enabled,
		probe: func() error {
			_, err := portaudio.DefaultInputDevice()
			return err
		},
	}
}

func (g *MicGate) RequestPermission(context.Context) (bool, error) {
	if !g.enabled {
		return false, nil
	}
	if err := g.probe(); err != nil {
		return false, fmt.Errorf("probe input device: %w", err)
	}
	return true, nil
}
