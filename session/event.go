package session

import "time"

// EventKind categorizes a ProgressEvent for subscribers that filter by type
// rather than switching on the full payload.
type EventKind string

const (
	// EventSessionState is emitted whenever the session's own State changes.
	EventSessionState EventKind = "session_state"
	// EventSubtaskState is emitted whenever a subtask's State changes.
	EventSubtaskState EventKind = "subtask_state"
	// EventWindowHint is emitted around desktop-driving work to hint at UI
	// window management (compact during automation, normal otherwise).
	EventWindowHint EventKind = "window_hint"
	// EventLagged is a terminal, synthetic event delivered to a subscriber
	// that fell behind its buffer and was ejected; it carries no further
	// session data and is always the last event a subscriber receives.
	EventLagged EventKind = "lagged"
)

// WindowHint values accompany EventWindowHint events.
type WindowHint string

const (
	// WindowCompact suggests the UI minimize or shrink surrounding chrome
	// while the executor drives the desktop.
	WindowCompact WindowHint = "compact"
	// WindowNormal suggests restoring normal window layout.
	WindowNormal WindowHint = "normal"
)

// ProgressEvent is one entry in a session's ordered event stream. Sequence is
// dense and strictly increasing per session, starting at 1; subscribers can
// detect gaps (a sign of a bug) by checking for strict contiguity.
type ProgressEvent struct {
	SessionID    string
	Sequence     uint64
	Kind         EventKind
	SessionState State
	Subtask      *Subtask
	WindowHint   WindowHint
	Message      string
	EmittedAt    time.Time
}
