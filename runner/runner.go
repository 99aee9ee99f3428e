// Package runner implements the plan runner: the two-phase (plan, then
// execute) state machine that drives one session from admission to a
// terminal state, emitting progress events through a caller-supplied Emitter
// as it goes. The runner does not write history records itself.
package runner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deskrun/orchestrator/config"
	"github.com/deskrun/orchestrator/history"
	"github.com/deskrun/orchestrator/instruction"
	"github.com/deskrun/orchestrator/orcherr"
	"github.com/deskrun/orchestrator/plan"
	"github.com/deskrun/orchestrator/plancache"
	"github.com/deskrun/orchestrator/session"
	"github.com/deskrun/orchestrator/telemetry"
)

// FailurePolicy controls whether execution stops at the first failed
// subtask or continues on to the remaining ones.
type FailurePolicy string

const (
	// FailFast aborts the session the first time a subtask exhausts its
	// retry budget.
	FailFast FailurePolicy = "fail_fast"
	// ContinueOnError marks a failed subtask as failed and proceeds to the
	// next one, leaving the session Completed only if every subtask
	// eventually succeeded or was explicitly skippable.
	ContinueOnError FailurePolicy = "continue_on_error"
)

// Observer verifies that an executed ToolCall produced its intended effect.
// A nil error does not by itself mean success; Verify returns an explicit
// bool so "executed without error but did not achieve the goal" is
// representable.
type Observer interface {
	Verify(ctx context.Context, call plan.ToolCall, result plan.Result) (bool, error)
}

// Clock abstracts time.Now so the timestamps the runner records are
// deterministic under test. The runner never calls Sleep: the retry loops
// wait between attempts on real timers inside the backoff package.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time      { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Deps collects the runner's collaborators.
type Deps struct {
	Planner  plan.Planner
	Executor plan.ActionExecutor
	Embedder plan.Embedder // optional: nil disables semantic cache lookups
	Observer Observer
	Cache    *plancache.Cache
	History  history.Store
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Tracer   telemetry.Tracer
	Clock    Clock
	Policy   FailurePolicy
}

// Runner drives a single session through planning and execution.
type Runner struct {
	deps Deps
	cfg  config.Config
}

// New constructs a Runner. Missing optional Deps fields are filled with
// no-op defaults.
func New(cfg config.Config, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Policy == "" {
		deps.Policy = FailFast
	}
	return &Runner{deps: deps, cfg: cfg.Normalize()}
}

// Emitter publishes a ProgressEvent and returns the event with its assigned
// sequence number. Recording the event in history, if wanted, is the
// Emitter's job (the manager's Emitter appends before it publishes).
type Emitter func(evt session.ProgressEvent) session.ProgressEvent

// CancelSignal is polled at suspension points between subtasks and before
// the first planner call. It never blocks.
type CancelSignal func() bool

// Run executes the full plan-then-execute lifecycle for sess, mutating it in
// place. The caller is the single writer for sess; Run does not run
// concurrently with any other mutation of the same session.
func (r *Runner) Run(ctx context.Context, sess *session.Session, emit Emitter, cancelled CancelSignal) {
	ctx, span := r.deps.Tracer.Start(ctx, "runner.Run")
	defer span.End()

	if cancelled() {
		r.cancel(ctx, sess, emit)
		return
	}

	now := r.deps.Clock.Now()
	if err := sess.Transition(session.StatePlanning, now); err != nil {
		r.deps.Logger.Error(ctx, "invalid transition to planning", "session_id", sess.ID, "error", err)
		return
	}
	emit(session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StatePlanning})

	p, err := r.plan(ctx, sess)
	if err != nil {
		r.fail(ctx, sess, emit, err)
		return
	}

	if cancelled() {
		r.cancel(ctx, sess, emit)
		return
	}

	sess.Subtasks = session.NewSubtasks(sess.ID, p)
	now = r.deps.Clock.Now()
	if err := sess.Transition(session.StateRunning, now); err != nil {
		r.deps.Logger.Error(ctx, "invalid transition to running", "session_id", sess.ID, "error", err)
		return
	}
	emit(session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateRunning})

	r.execute(ctx, sess, emit, cancelled)
}

// plan performs phase one: cache lookup, then planner invocation with
// retry/backoff bounded by T_PLAN/R_PLAN/B_PLAN, inserting a fresh cache
// entry on success.
func (r *Runner) plan(ctx context.Context, sess *session.Session) (plan.Plan, error) {
	ctx, span := r.deps.Tracer.Start(ctx, "runner.plan")
	defer span.End()

	fingerprint := instruction.Fingerprint(instruction.Normalize(sess.Instruction))
	var embedding []float64
	if r.deps.Embedder != nil {
		if vec, err := r.deps.Embedder.Embed(ctx, sess.Instruction); err == nil {
			embedding = vec
		}
	}

	if r.deps.Cache != nil {
		if p, origin, ok := r.deps.Cache.Lookup(fingerprint, embedding, r.deps.Clock.Now()); ok {
			r.deps.Logger.Info(ctx, "plan cache hit", "session_id", sess.ID, "origin", string(origin))
			r.deps.Metrics.IncCounter("plan_cache_hit_total", 1, "origin", string(origin))
			return p, nil
		}
	}
	r.deps.Metrics.IncCounter("plan_cache_miss_total", 1)

	req := plan.Request{Instruction: sess.Instruction, SessionID: sess.ID, Attempt: 0}
	p, err := r.planWithRetry(ctx, req)
	if err != nil {
		span.RecordError(err)
		return plan.Plan{}, err
	}

	if r.deps.Cache != nil {
		r.deps.Cache.Insert(fingerprint, embedding, p, r.deps.Clock.Now())
	}
	return p, nil
}

func (r *Runner) planWithRetry(ctx context.Context, req plan.Request) (plan.Plan, error) {
	bo := backoff.WithContext(newBackoff(r.cfg.BPlan, r.cfg.RPlan), ctx)

	var result plan.Plan
	attempt := 0
	operation := func() error {
		attempt++
		req.Attempt = attempt
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.TPlan)
		defer cancel()

		p, err := r.deps.Planner.Plan(callCtx, req)
		if err != nil {
			oerr := orcherr.FromError(err)
			r.deps.Logger.Warn(ctx, "planning attempt failed", "session_id", req.SessionID, "attempt", attempt, "error", oerr.Error())
			if !oerr.Retryable() {
				return backoff.Permanent(oerr)
			}
			return oerr
		}
		if len(p.Steps) == 0 {
			return backoff.Permanent(orcherr.New(orcherr.KindPlanning, orcherr.ReasonPlanningMalformed, "planner returned an empty plan"))
		}
		result = p
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return plan.Plan{}, orcherr.Wrap(orcherr.KindPlanning, orcherr.ReasonPlanningFailed, "planning failed after retries", err)
	}
	return result, nil
}

func (r *Runner) fail(ctx context.Context, sess *session.Session, emit Emitter, err error) {
	now := r.deps.Clock.Now()
	sess.Err = err
	_ = sess.Transition(session.StateFailed, now)
	emit(session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateFailed, Message: err.Error()})
	r.deps.Logger.Error(ctx, "session failed", "session_id", sess.ID, "error", err)
	r.deps.Metrics.IncCounter("session_failed_total", 1)
}

func (r *Runner) cancel(ctx context.Context, sess *session.Session, emit Emitter) {
	now := r.deps.Clock.Now()
	_ = sess.Transition(session.StateCancelled, now)
	emit(session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateCancelled})
	r.deps.Logger.Info(ctx, "session cancelled", "session_id", sess.ID)
	r.deps.Metrics.IncCounter("session_cancelled_total", 1)
}

func newBackoff(base time.Duration, maxAttempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	return backoff.WithMaxRetries(eb, uint64(maxAttempts-1))
}

