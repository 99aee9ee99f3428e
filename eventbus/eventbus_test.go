package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrun/orchestrator/eventbus"
	"github.com/deskrun/orchestrator/session"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := eventbus.New(16, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx, "sess-1", false)

	now := time.Now()
	bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StatePlanning}, now)
	bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateRunning}, now)

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestBus_ReplayDeliversHistoryFirst(t *testing.T) {
	bus := eventbus.New(16, time.Minute)
	now := time.Now()
	bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StatePlanning}, now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, "sess-1", true)

	replayed := <-sub.Events
	assert.Equal(t, session.StatePlanning, replayed.SessionState)
}

func TestBus_LaggedSubscriberIsEjected(t *testing.T) {
	bus := eventbus.New(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx, "sess-1", false)

	now := time.Now()
	// Publish more events than the buffer holds without reading, forcing an
	// ejection on a subsequent publish.
	for i := 0; i < 5; i++ {
		bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSubtaskState}, now)
	}

	var sawLagged bool
	timeout := time.After(time.Second)
loop:
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				break loop
			}
			if evt.Kind == session.EventLagged {
				sawLagged = true
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	assert.True(t, sawLagged)
}

func TestBus_ReserveThenPublishPreservesSequence(t *testing.T) {
	bus := eventbus.New(16, time.Minute)
	now := time.Now()

	seq := bus.Reserve("sess-1")
	published := bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSessionState, Sequence: seq}, now)
	assert.Equal(t, seq, published.Sequence)

	next := bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSessionState}, now)
	assert.Equal(t, seq+1, next.Sequence)
}

func TestBus_SweepRemovesExpiredTerminalSessions(t *testing.T) {
	bus := eventbus.New(16, time.Millisecond)
	now := time.Now()
	bus.Publish("sess-1", session.ProgressEvent{Kind: session.EventSessionState, SessionState: session.StateCompleted}, now)

	bus.Sweep(now.Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, "sess-1", true)
	select {
	case _, ok := <-sub.Events:
		require.False(t, ok, "expected no replay after sweep removed session history")
	case <-time.After(50 * time.Millisecond):
	}
}
