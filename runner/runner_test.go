package runner_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrun/orchestrator/config"
	"github.com/deskrun/orchestrator/orcherr"
	"github.com/deskrun/orchestrator/plan"
	"github.com/deskrun/orchestrator/runner"
	"github.com/deskrun/orchestrator/session"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(time.Duration)   {}

type fakePlanner struct {
	plan plan.Plan
	err  error
	n    int
}

func (f *fakePlanner) Plan(context.Context, plan.Request) (plan.Plan, error) {
	f.n++
	if f.err != nil {
		return plan.Plan{}, f.err
	}
	return f.plan, nil
}

type fakeExecutor struct {
	fail map[string]bool
}

func (f *fakeExecutor) Execute(_ context.Context, call plan.ToolCall) (plan.Result, error) {
	if f.fail[call.Tool] {
		return plan.Result{Succeeded: false}, orcherr.New(orcherr.KindExecution, orcherr.ReasonExecutorTransient, "boom")
	}
	return plan.Result{Succeeded: true}, nil
}

func newRunner(t *testing.T, deps runner.Deps) *runner.Runner {
	t.Helper()
	cfg := config.Default()
	cfg.RPlan = 1
	cfg.RStep = 1
	cfg.BPlan = time.Millisecond
	cfg.BStep = time.Millisecond
	if deps.Clock == nil {
		deps.Clock = &fakeClock{now: time.Now()}
	}
	return runner.New(cfg, deps)
}

func collectEvents(n int) (runner.Emitter, *[]session.ProgressEvent) {
	events := make([]session.ProgressEvent, 0, n)
	return func(evt session.ProgressEvent) session.ProgressEvent {
		events = append(events, evt)
		return evt
	}, &events
}

func noCancel() bool { return false }

func TestRunner_HappyPath(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{{Tool: "open_application", Description: "open settings"}}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{},
	})

	sess := session.New("sess-1", "open settings", time.Now())
	emit, events := collectEvents(8)

	r.Run(context.Background(), &sess, emit, noCancel)

	assert.Equal(t, session.StateCompleted, sess.State)
	assert.Equal(t, session.SubtaskSucceeded, sess.Subtasks[0].State)
	assert.NotEmpty(t, *events)
}

func TestRunner_PlanningFailurePropagates(t *testing.T) {
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{err: orcherr.New(orcherr.KindPlanning, orcherr.ReasonPlanningFailed, "no")},
		Executor: &fakeExecutor{},
	})

	sess := session.New("sess-1", "do something impossible", time.Now())
	emit, _ := collectEvents(4)

	r.Run(context.Background(), &sess, emit, noCancel)

	assert.Equal(t, session.StateFailed, sess.State)
	require.Error(t, sess.Err)
}

func TestRunner_CancellationBeforeExecution(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{{Tool: "open_application"}}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{},
	})

	sess := session.New("sess-1", "open settings", time.Now())
	emit, _ := collectEvents(4)

	r.Run(context.Background(), &sess, emit, func() bool { return true })

	assert.Equal(t, session.StateCancelled, sess.State)
}

func TestRunner_FailFastStopsAtFirstFailure(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{
		{Tool: "click"},
		{Tool: "type_text"},
	}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{fail: map[string]bool{"click": true}},
		Policy:   runner.FailFast,
	})

	sess := session.New("sess-1", "click then type", time.Now())
	emit, _ := collectEvents(8)

	r.Run(context.Background(), &sess, emit, noCancel)

	assert.Equal(t, session.StateFailed, sess.State)
	assert.Equal(t, session.SubtaskFailed, sess.Subtasks[0].State)
	assert.Equal(t, session.SubtaskPending, sess.Subtasks[1].State)
}

func TestRunner_WindowNormalPrecedesSessionCompleted(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{{Tool: "open_application"}}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{},
	})

	sess := session.New("sess-1", "open settings", time.Now())
	emit, events := collectEvents(8)

	r.Run(context.Background(), &sess, emit, noCancel)

	require.Equal(t, session.StateCompleted, sess.State)

	var normalIdx, completedIdx int = -1, -1
	for i, evt := range *events {
		if evt.Kind == session.EventWindowHint && evt.WindowHint == session.WindowNormal {
			normalIdx = i
		}
		if evt.Kind == session.EventSessionState && evt.SessionState == session.StateCompleted {
			completedIdx = i
		}
	}
	require.NotEqual(t, -1, normalIdx, "WindowHint(Normal) was never emitted")
	require.NotEqual(t, -1, completedIdx, "SessionCompleted was never emitted")
	assert.Less(t, normalIdx, completedIdx, "WindowHint(Normal) must precede SessionCompleted")
}

func TestRunner_NoEventsAfterTerminalOnFailFast(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{{Tool: "click"}}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{fail: map[string]bool{"click": true}},
		Policy:   runner.FailFast,
	})

	sess := session.New("sess-1", "click", time.Now())
	emit, events := collectEvents(8)

	r.Run(context.Background(), &sess, emit, noCancel)

	require.Equal(t, session.StateFailed, sess.State)
	last := (*events)[len(*events)-1]
	assert.Equal(t, session.EventSessionState, last.Kind)
	assert.Equal(t, session.StateFailed, last.SessionState)
}

// countingFailExecutor always fails and counts its Execute calls, so a test
// can drive cancellation off a specific attempt number rather than off
// emitted events (runSubtask only emits at the start and end of its retry
// loop, not per attempt).
type countingFailExecutor struct {
	attempts int32
}

func (e *countingFailExecutor) Execute(context.Context, plan.ToolCall) (plan.Result, error) {
	atomic.AddInt32(&e.attempts, 1)
	return plan.Result{Succeeded: false}, orcherr.New(orcherr.KindExecution, orcherr.ReasonExecutorTransient, "boom")
}

func TestRunner_CancelDuringFinalRetryWinsOverFailure(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{{Tool: "click"}}}
	cfg := config.Default()
	cfg.RPlan = 1
	cfg.RStep = 3
	cfg.BPlan = time.Millisecond
	cfg.BStep = time.Millisecond

	executor := &countingFailExecutor{}
	r := runner.New(cfg, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: executor,
		Policy:   runner.FailFast,
		Clock:    &fakeClock{now: time.Now()},
	})

	sess := session.New("sess-1", "click", time.Now())
	emit, _ := collectEvents(8)

	// Cancel lands after the 2nd failed attempt, simulating a cancel during
	// the backoff sleep before the 3rd (final) retry. The session must end
	// Cancelled, not Failed, even though the subtask never actually
	// exhausted its retry budget with a successful attempt.
	cancelled := func() bool { return atomic.LoadInt32(&executor.attempts) >= 2 }

	r.Run(context.Background(), &sess, emit, cancelled)

	assert.Equal(t, session.StateCancelled, sess.State)
	assert.LessOrEqual(t, atomic.LoadInt32(&executor.attempts), int32(2),
		"a cancelled subtask must not proceed to a 3rd attempt")
}

func TestRunner_SubtaskEventIsIndependentCopy(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{{Tool: "open_application"}}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{},
	})

	sess := session.New("sess-1", "open settings", time.Now())
	emit, events := collectEvents(8)

	r.Run(context.Background(), &sess, emit, noCancel)

	for _, evt := range *events {
		if evt.Kind == session.EventSubtaskState {
			require.NotNil(t, evt.Subtask)
			assert.NotSame(t, &sess.Subtasks[evt.Subtask.Index], evt.Subtask)
		}
	}
}

func TestRunner_ContinueOnErrorRunsEverySubtask(t *testing.T) {
	p := plan.Plan{Steps: []plan.ToolCall{
		{Tool: "click"},
		{Tool: "type_text"},
	}}
	r := newRunner(t, runner.Deps{
		Planner:  &fakePlanner{plan: p},
		Executor: &fakeExecutor{fail: map[string]bool{"click": true}},
		Policy:   runner.ContinueOnError,
	})

	sess := session.New("sess-1", "click then type", time.Now())
	emit, _ := collectEvents(8)

	r.Run(context.Background(), &sess, emit, noCancel)

	assert.Equal(t, session.StateFailed, sess.State)
	assert.Equal(t, session.SubtaskFailed, sess.Subtasks[0].State)
	assert.Equal(t, session.SubtaskSucceeded, sess.Subtasks[1].State)
}
