package session

import "errors"

// Status is the user-visible session state.
type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRecording:
		return "recording"
	case StatusStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Lifecycle errors. Everything else is wrapped with context at the
// failure site: fatal setup failures abort Start before any worker is
// spawned, while per-frame failures are logged and counted.
var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("session not running")
)
