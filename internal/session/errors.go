package session

import "errors"

// ErrClosed is returned by operations on a manager after Close.
var ErrClosed = errors.New("session: manager closed")

// ErrStartFailed wraps the subsystem error when a capture cycle cannot start.
var ErrStartFailed = errors.New("failed to start recording")
