package reply

import (
	"errors"
	"fmt"
	"net"

	"github.com/sjawhar/ghost-voice/internal/llm"
)

// ErrNotConfigured is returned for every attempt when no LLM credential is
// available.
var ErrNotConfigured = errors.New("reply: LLM API key not initialized")

type Kind string

const (
	KindConfig  Kind = "config"
	KindAPI     Kind = "api"
	KindNetwork Kind = "network"
)

// Error classifies a failed generation.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error

	provider *llm.APIError
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reply %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("reply %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindAPI:
		if e.provider != nil {
			return e.provider.Retryable()
		}
		return true
	default:
		return false
	}
}

// KindOf returns the classification of err, or "" when err is not a
// generation error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
