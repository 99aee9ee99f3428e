package session

import (
	"strconv"
	"time"

	"github.com/deskrun/orchestrator/plan"
)

// SubtaskState is the lifecycle state of one Subtask within a session's plan.
type SubtaskState string

const (
	SubtaskPending   SubtaskState = "pending"
	SubtaskRunning   SubtaskState = "running"
	SubtaskSucceeded SubtaskState = "succeeded"
	SubtaskFailed    SubtaskState = "failed"
	SubtaskSkipped   SubtaskState = "skipped"
)

// Terminal reports whether the subtask state is final.
func (s SubtaskState) Terminal() bool {
	switch s {
	case SubtaskSucceeded, SubtaskFailed, SubtaskSkipped:
		return true
	default:
		return false
	}
}

// Subtask is one step of a session's plan together with its execution
// history. Index is stable from plan construction and never renumbered, even
// when earlier subtasks are skipped under a continue-on-error failure
// policy.
type Subtask struct {
	ID           string
	SessionID    string
	Index        int
	Description  string
	ToolCall     plan.ToolCall
	State        SubtaskState
	AttemptCount int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Result       *plan.Result
	Err          error
}

// NewSubtasks builds the ordered Subtask slice for a freshly planned Plan.
// Index i corresponds 1:1 with p.Steps[i]; the order is immutable thereafter.
func NewSubtasks(sessionID string, p plan.Plan) []Subtask {
	subtasks := make([]Subtask, len(p.Steps))
	for i, step := range p.Steps {
		subtasks[i] = Subtask{
			ID:          uuidSubtaskID(sessionID, i),
			SessionID:   sessionID,
			Index:       i,
			Description: step.Description,
			ToolCall:    step,
			State:       SubtaskPending,
		}
	}
	return subtasks
}

func uuidSubtaskID(sessionID string, index int) string {
	return sessionID + "/" + strconv.Itoa(index)
}
