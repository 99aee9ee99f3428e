package runner

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/deskrun/orchestrator/orcherr"
	"github.com/deskrun/orchestrator/session"
)

// errSubtaskCancelled is returned internally by runSubtask's backoff
// operation when a cancel signal preempts an in-flight attempt or the sleep
// before one. It never escapes runSubtask.
var errSubtaskCancelled = errors.New("subtask cancelled")

// execute performs phase two: run each subtask in order, retrying per
// RStep/TStep/BStep, verifying with Observer, falling back from an
// element-based strategy to coordinates within the same retry budget, and
// honoring FailurePolicy when a subtask exhausts its attempts.
func (r *Runner) execute(ctx context.Context, sess *session.Session, emit Emitter, cancelled CancelSignal) {
	ctx, span := r.deps.Tracer.Start(ctx, "runner.execute")
	defer span.End()

	emit(session.ProgressEvent{Kind: session.EventWindowHint, WindowHint: session.WindowCompact})

	anyFailed := false
	for i := range sess.Subtasks {
		if cancelled() {
			r.cancel(ctx, sess, emit)
			return
		}

		st := &sess.Subtasks[i]
		r.runSubtask(ctx, sess, st, emit, cancelled)

		if cancelled() {
			r.cancel(ctx, sess, emit)
			return
		}

		if st.State == session.SubtaskFailed {
			anyFailed = true
			if r.deps.Policy == FailFast {
				r.fail(ctx, sess, emit, orcherr.Wrap(orcherr.KindExecution, orcherr.ReasonExecutorFatal,
					"subtask failed", st.Err))
				return
			}
		}
	}

	now := r.deps.Clock.Now()
	if anyFailed {
		_ = sess.Transition(session.StateFailed, now)
		emit(session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateFailed})
		r.deps.Metrics.IncCounter("session_failed_total", 1)
		return
	}
	emit(session.ProgressEvent{Kind: session.EventWindowHint, WindowHint: session.WindowNormal})
	_ = sess.Transition(session.StateCompleted, now)
	emit(session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateCompleted})
	r.deps.Metrics.IncCounter("session_completed_total", 1)
}

// runSubtask drives one subtask's attempt loop to a terminal SubtaskState. If
// cancelled fires while an attempt is running or during the backoff sleep
// before the next one, the loop aborts without marking the subtask Failed or
// Succeeded; the caller observes cancellation via cancelled() on return and
// finishes the session as Cancelled instead.
func (r *Runner) runSubtask(ctx context.Context, sess *session.Session, st *session.Subtask, emit Emitter, cancelled CancelSignal) {
	ctx, span := r.deps.Tracer.Start(ctx, "runner.runSubtask")
	defer span.End()

	started := r.deps.Clock.Now()
	st.StartedAt = &started
	st.State = session.SubtaskRunning
	emit(session.ProgressEvent{Kind: session.EventSubtaskState, Subtask: subtaskCopy(st)})

	call := st.ToolCall
	triedFallback := false

	bo := backoff.WithContext(newBackoff(r.cfg.BStep, r.cfg.RStep), ctx)

	operation := func() error {
		if cancelled() {
			return backoff.Permanent(errSubtaskCancelled)
		}

		st.AttemptCount++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.TStep)
		defer cancel()

		result, err := r.deps.Executor.Execute(callCtx, call)
		if err == nil && !result.Succeeded {
			err = orcherr.New(orcherr.KindExecution, orcherr.ReasonExecutorTransient, "executor reported the action as unsuccessful")
		}
		if err == nil && r.deps.Observer != nil {
			verifyCtx, verifyCancel := context.WithTimeout(callCtx, r.cfg.TWindow)
			ok, verr := r.deps.Observer.Verify(verifyCtx, call, result)
			verifyCancel()
			if verr != nil {
				err = orcherr.Wrap(orcherr.KindExecution, orcherr.ReasonVerificationFailed, "observer verification errored", verr)
			} else if !ok {
				err = orcherr.New(orcherr.KindExecution, orcherr.ReasonVerificationFailed, "observer rejected the resulting state")
			}
		}
		if err != nil {
			oerr := orcherr.FromError(err)
			r.deps.Logger.Warn(ctx, "subtask attempt failed", "session_id", sess.ID, "subtask_index", st.Index,
				"attempt", st.AttemptCount, "error", oerr.Error())

			if oerr.Reason == orcherr.ReasonExecutorFatal {
				return backoff.Permanent(oerr)
			}
			if !triedFallback && isElementBased(call) {
				if fallback, ok := withCoordinateFallback(call); ok {
					call = fallback
					triedFallback = true
				}
			}
			return oerr
		}

		st.Result = &result
		return nil
	}

	err := backoff.Retry(operation, bo)
	if cancelled() {
		return
	}

	finished := r.deps.Clock.Now()
	st.FinishedAt = &finished

	if err != nil {
		st.State = session.SubtaskFailed
		st.Err = err
	} else {
		st.State = session.SubtaskSucceeded
	}
	emit(session.ProgressEvent{Kind: session.EventSubtaskState, Subtask: subtaskCopy(st)})
	r.deps.Metrics.RecordTimer("subtask_duration_seconds", finished.Sub(started), "state", string(st.State))
}

// subtaskCopy returns a pointer to an independent copy of *st, suitable for
// handing to the event bus: the bus retains emitted events in its replay
// buffer and forwards them to subscriber goroutines, so an event must never
// carry a pointer into the subtask slice the runner keeps mutating.
func subtaskCopy(st *session.Subtask) *session.Subtask {
	cp := *st
	return &cp
}
