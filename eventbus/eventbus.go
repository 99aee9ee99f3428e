// Package eventbus implements the per-session progress event bus: an
// ordered, replayable, fan-out broadcast of session.ProgressEvent values to
// any number of subscribers, with bounded per-subscriber buffering and
// lagged-subscriber ejection.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/deskrun/orchestrator/session"
)

// Subscription is a live registration on a session's event stream.
type Subscription struct {
	Events <-chan session.ProgressEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Close unregisters the subscription. Idempotent and safe to call multiple
// times or concurrently with delivery.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	ch     chan session.ProgressEvent
	cancel context.CancelFunc
}

type sessionStream struct {
	mu          sync.Mutex
	history     []session.ProgressEvent // replay buffer, unbounded for the session's lifetime
	subscribers map[*subscriber]struct{}
	nextSeq     uint64
	terminal    bool
	terminalAt  time.Time
}

// Bus fans out session progress events to subscribers, replaying history to
// late subscribers and retaining a terminated session's stream for a grace
// period so trailing subscribers still see the final events.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*sessionStream

	subBuf int
	grace  time.Duration
}

// New constructs a Bus. subBuf bounds each subscriber's channel depth; grace
// is how long a terminated session's stream is retained for late subscribers.
func New(subBuf int, grace time.Duration) *Bus {
	if subBuf <= 0 {
		subBuf = 256
	}
	return &Bus{sessions: make(map[string]*sessionStream), subBuf: subBuf, grace: grace}
}

func (b *Bus) stream(sessionID string) *sessionStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionStream{subscribers: make(map[*subscriber]struct{})}
		b.sessions[sessionID] = st
	}
	return st
}

// Reserve allocates and returns the next sequence number for sessionID
// without publishing anything. Callers that must durably persist an event
// under a stable sequence before it becomes visible to subscribers (history
// append happens-before bus publish) call Reserve first, then pass the
// reserved sequence to Publish via event.Sequence.
func (b *Bus) Reserve(sessionID string) uint64 {
	st := b.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextSeq++
	return st.nextSeq
}

// Publish appends event to sessionID's stream and delivers it to every live
// subscriber. If event.Sequence is zero, Publish assigns the next sequence
// number itself; callers that already called Reserve pass that sequence
// through unchanged. Publish never blocks on a slow subscriber: a subscriber
// whose buffer is full is ejected with a terminal Lagged event instead.
func (b *Bus) Publish(sessionID string, event session.ProgressEvent, now time.Time) session.ProgressEvent {
	st := b.stream(sessionID)

	st.mu.Lock()
	if event.Sequence == 0 {
		st.nextSeq++
		event.Sequence = st.nextSeq
	}
	event.SessionID = sessionID
	if event.EmittedAt.IsZero() {
		event.EmittedAt = now
	}
	st.history = append(st.history, event)
	if event.Kind == session.EventSessionState && event.SessionState.Terminal() {
		st.terminal = true
		st.terminalAt = now
	}

	var lagged []*subscriber
	for sub := range st.subscribers {
		select {
		case sub.ch <- event:
		default:
			lagged = append(lagged, sub)
		}
	}
	st.mu.Unlock()

	for _, sub := range lagged {
		b.eject(sessionID, sub, now)
	}

	return event
}

// eject unregisters a lagged subscriber, discards its undelivered buffered
// events to make room, and queues a terminal Lagged event, after which the
// subscription's forwarding goroutine closes its Events channel.
func (b *Bus) eject(sessionID string, sub *subscriber, now time.Time) {
	st := b.stream(sessionID)
	st.mu.Lock()
	if _, ok := st.subscribers[sub]; !ok {
		st.mu.Unlock()
		return
	}
	delete(st.subscribers, sub)
	st.mu.Unlock()

	for drained := false; !drained; {
		select {
		case <-sub.ch:
		default:
			drained = true
		}
	}
	select {
	case sub.ch <- session.ProgressEvent{
		SessionID: sessionID,
		Kind:      session.EventLagged,
		Message:   "subscriber buffer exceeded capacity; events were dropped",
		EmittedAt: now,
	}:
	default:
		sub.cancel()
	}
}

// Subscribe registers a new subscriber on sessionID's stream. If replay is
// true, every event published so far is delivered before any new event. The
// returned Subscription's Events channel is closed when ctx is cancelled or
// the subscription is explicitly Closed.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, replay bool) *Subscription {
	st := b.stream(sessionID)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ch: make(chan session.ProgressEvent, b.subBuf), cancel: cancel}

	st.mu.Lock()
	backlog := make([]session.ProgressEvent, len(st.history))
	copy(backlog, st.history)
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()

	out := make(chan session.ProgressEvent, b.subBuf)
	go func() {
		defer close(out)
		defer func() {
			st.mu.Lock()
			delete(st.subscribers, sub)
			st.mu.Unlock()
		}()

		if replay {
			for _, evt := range backlog {
				select {
				case out <- evt:
				case <-subCtx.Done():
					return
				}
			}
		}

		for {
			select {
			case evt, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-subCtx.Done():
					return
				}
				if evt.Kind == session.EventLagged {
					return
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &Subscription{Events: out, cancel: cancel}
}

// Sweep removes sessions whose terminal grace period has elapsed, freeing
// their replay buffers. Callers invoke this periodically; it is not required
// for correctness, only for memory bounds.
func (b *Bus) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, st := range b.sessions {
		st.mu.Lock()
		expired := st.terminal && now.Sub(st.terminalAt) > b.grace
		st.mu.Unlock()
		if expired {
			delete(b.sessions, id)
		}
	}
}
