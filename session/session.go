// Package session defines the session and subtask lifecycle types shared by
// the session manager, the plan runner, and the event bus: the states a
// session or subtask may occupy, the transitions between them, and the
// progress events emitted as a session advances.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Session.
type State string

const (
	// StatePending marks a session accepted by the manager but not yet
	// admitted to run (waiting in the backpressure queue).
	StatePending State = "pending"
	// StatePlanning marks a session whose plan is being looked up or
	// produced by the planner.
	StatePlanning State = "planning"
	// StateRunning marks a session actively executing its plan's subtasks.
	StateRunning State = "running"
	// StateCompleted is a terminal state: every subtask succeeded.
	StateCompleted State = "completed"
	// StateFailed is a terminal state: planning or execution failed
	// permanently, or the session's failure policy gave up.
	StateFailed State = "failed"
	// StateCancelled is a terminal state: cancellation was requested and
	// honored.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is one of the three terminal states. Once a
// session reaches a terminal state it never transitions again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the session state machine's allowed edges.
// Any transition not listed here is rejected by Session.Transition.
var validTransitions = map[State][]State{
	StatePending:   {StatePlanning, StateCancelled},
	StatePlanning:  {StateRunning, StateFailed, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// ErrInvalidTransition is returned when a requested state transition is not
// allowed by the session state machine.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// ErrTerminal is returned when an operation is attempted against a session
// already in a terminal state.
var ErrTerminal = errors.New("session: session is in a terminal state")

// Session is the full in-memory record of one instruction's lifecycle.
type Session struct {
	ID          string
	Instruction string
	State       State
	Subtasks    []Subtask
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Err         error
}

// NewID generates a fresh, globally unique session identifier.
func NewID() string {
	return uuid.NewString()
}

// New constructs a Session in StatePending for the given instruction.
func New(id, instruction string, now time.Time) Session {
	return Session{
		ID:          id,
		Instruction: instruction,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the session to next, validating the edge against the
// state machine. It is the caller's responsibility to serialize mutation of
// a given Session (the manager holds one writer per session).
func (s *Session) Transition(next State, now time.Time) error {
	if s.State.Terminal() {
		return ErrTerminal
	}
	allowed := validTransitions[s.State]
	ok := false
	for _, a := range allowed {
		if a == next {
			ok = true
			break
		}
	}
	if !ok {
		return ErrInvalidTransition
	}
	s.State = next
	s.UpdatedAt = now
	if next.Terminal() {
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// Snapshot returns an immutable, deep copy of the session suitable for
// handing to readers outside the single-writer goroutine.
func (s Session) Snapshot() Snapshot {
	subtasks := make([]Subtask, len(s.Subtasks))
	copy(subtasks, s.Subtasks)
	return Snapshot{
		ID:          s.ID,
		Instruction: s.Instruction,
		State:       s.State,
		Subtasks:    subtasks,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
		Err:         s.Err,
	}
}

// Snapshot is a read-only, point-in-time copy of a Session's state. Unlike
// Session, a Snapshot is never mutated after construction and may be freely
// shared across goroutines.
type Snapshot struct {
	ID          string
	Instruction string
	State       State
	Subtasks    []Subtask
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Err         error
}
