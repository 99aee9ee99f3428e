// Package plan defines the plan and tool call types produced by a planner and
// consumed by the runner, along with the opaque capability interfaces
// (Planner, ActionExecutor, Embedder) the orchestration core is built
// against.
package plan

import (
	"context"
	"time"
)

// ToolCall is one desktop-driving action within a Plan: a tool name drawn
// from the closed set the executor understands, its arguments, and a
// free-text description used for logging and verification prompts.
type ToolCall struct {
	// Tool names the action from a closed, executor-defined vocabulary
	// (e.g. "click", "type_text", "open_application", "wait_for_window").
	Tool string
	// Args carries the tool's arguments as a flat, JSON-serializable map.
	Args map[string]any
	// Description is a human-readable summary of the intended effect, used
	// in progress events and in observer verification prompts.
	Description string
}

// Plan is an ordered, finite, non-empty, immutable sequence of ToolCalls that
// together carry out an instruction. Once constructed a Plan's Steps slice
// must not be mutated by callers; Clone returns an independent copy for
// callers that need one.
type Plan struct {
	// Steps is the ordered list of actions to perform. Always non-empty for a
	// validly produced Plan.
	Steps []ToolCall
	// Rationale is optional planner-provided reasoning, carried for display
	// and audit; it plays no role in execution.
	Rationale string
}

// Clone returns a deep copy of p, safe for independent mutation.
func (p Plan) Clone() Plan {
	steps := make([]ToolCall, len(p.Steps))
	for i, s := range p.Steps {
		args := make(map[string]any, len(s.Args))
		for k, v := range s.Args {
			args[k] = v
		}
		steps[i] = ToolCall{Tool: s.Tool, Args: args, Description: s.Description}
	}
	return Plan{Steps: steps, Rationale: p.Rationale}
}

// Request carries the information a Planner needs to produce a Plan.
type Request struct {
	// Instruction is the original (trimmed, but not normalized) instruction
	// text, suitable for inclusion in a planner prompt.
	Instruction string
	// SessionID correlates this planning attempt with its owning session for
	// telemetry and logging.
	SessionID string
	// Attempt counts planning attempts for this session, starting at 1.
	Attempt int
}

// Planner is the opaque remote-planning capability: given an instruction, it
// returns a Plan or an error. A single invocation of Plan is bounded by the
// caller's context deadline (T_PLAN); planners must respect ctx cancellation.
type Planner interface {
	Plan(ctx context.Context, req Request) (Plan, error)
}

// ActionExecutor is the opaque desktop-driving capability invoked once per
// ToolCall during execution. Implementations perform the actual automation
// (element lookup, coordinate click, keystroke injection, ...).
type ActionExecutor interface {
	Execute(ctx context.Context, call ToolCall) (Result, error)
}

// Result is the outcome of executing a single ToolCall.
type Result struct {
	// Succeeded reports whether the action completed without error.
	Succeeded bool
	// Observation is implementation-defined evidence of the resulting
	// desktop state (e.g. a screenshot reference, an accessibility snapshot
	// handle) passed on to the observer for verification.
	Observation any
	// Elapsed is how long the action took to execute.
	Elapsed time.Duration
}

// Embedder is the opaque embedding capability used by the semantic plan
// cache. It must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CachedPlan is a Plan together with the embedding it was cached under, as
// stored by the plan cache.
type CachedPlan struct {
	Plan      Plan
	Embedding []float64
}
