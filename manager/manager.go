// Package manager implements the session manager: the single entry point
// for starting, cancelling, inspecting, and subscribing to sessions, with
// MAX_CONCURRENT admission control and a bounded FIFO backpressure queue.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/deskrun/orchestrator/config"
	"github.com/deskrun/orchestrator/eventbus"
	"github.com/deskrun/orchestrator/history"
	"github.com/deskrun/orchestrator/instruction"
	"github.com/deskrun/orchestrator/orcherr"
	"github.com/deskrun/orchestrator/runner"
	"github.com/deskrun/orchestrator/session"
	"github.com/deskrun/orchestrator/telemetry"
)

// entry tracks one session's manager-owned bookkeeping. sess is owned
// exclusively by the single goroutine running it (runSession); readers never
// touch it directly. Instead, every mutation publishes a fresh Snapshot to
// current, so Get never contends with an in-flight, possibly long-running
// session.
type entry struct {
	sess    session.Session // owned by runSession's goroutine only
	current atomic.Pointer[session.Snapshot]
	cancel  chan struct{}
	once    sync.Once
}

func (e *entry) publish() session.Snapshot {
	snap := e.sess.Snapshot()
	e.current.Store(&snap)
	return snap
}

func (e *entry) requestCancel() {
	e.once.Do(func() { close(e.cancel) })
}

func (e *entry) cancelled() bool {
	select {
	case <-e.cancel:
		return true
	default:
		return false
	}
}

// Manager admits instructions, runs their sessions through the Runner
// subject to MAX_CONCURRENT and QUEUE_CAP, and exposes get/cancel/subscribe
// operations for callers.
type Manager struct {
	cfg config.Config

	mu       sync.RWMutex
	sessions map[string]*entry

	sem    *semaphore.Weighted
	queue  chan string
	bus    *eventbus.Bus
	hist   history.Store
	runner *runner.Runner
	logger telemetry.Logger
	metric telemetry.Metrics

	ctx       context.Context
	shutdown  context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Deps collects the manager's collaborators.
type Deps struct {
	Bus     *eventbus.Bus
	History history.Store
	Runner  *runner.Runner
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs a Manager and starts its background queue-drain worker.
// Callers must call Close to stop the worker.
func New(cfg config.Config, deps Deps) *Manager {
	cfg = cfg.Normalize()
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	ctx, shutdown := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:    make(chan string, cfg.QueueCap),
		bus:      deps.Bus,
		hist:     deps.History,
		runner:   deps.Runner,
		logger:   deps.Logger,
		metric:   deps.Metrics,
		ctx:      ctx,
		shutdown: shutdown,
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.drainQueue()
	return m
}

// Start admits raw as a new session: validates it through the admission
// gate, enqueues it subject to QUEUE_CAP, and returns the new session's ID.
// Start returns a *orcherr.Error of KindValidation if raw is rejected, or
// KindAdmission with ReasonBackpressureFull if the queue is full.
func (m *Manager) Start(ctx context.Context, raw string) (string, error) {
	norm, err := instruction.Admit(raw, m.cfg.NMax)
	if err != nil {
		return "", err
	}

	id := session.NewID()
	now := time.Now()

	if m.hist != nil {
		openCtx, cancel := context.WithTimeout(ctx, m.cfg.THist)
		err := m.hist.Open(openCtx, id, norm.Original, now)
		cancel()
		if err != nil {
			return "", orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "open history record", err)
		}
	}

	sess := session.New(id, norm.Original, now)

	e := &entry{sess: sess, cancel: make(chan struct{})}
	e.publish()
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return "", orcherr.New(orcherr.KindAdmission, orcherr.ReasonBackpressureFull, "session queue is full")
	}

	m.logger.Info(ctx, "session enqueued", "session_id", id)
	m.metric.IncCounter("session_enqueued_total", 1)
	return id, nil
}

// Cancel requests cancellation of sessionID. Cancellation is cooperative: the
// runner observes it at the next suspension point. Cancel returns
// ErrNotFound if the session is unknown.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.requestCancel()
	return nil
}

// Get returns a point-in-time snapshot of sessionID's state. Get never
// blocks on an in-flight session: it reads the most recently published
// snapshot rather than the runner's working copy.
func (m *Manager) Get(sessionID string) (session.Snapshot, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return session.Snapshot{}, ErrNotFound
	}
	return *e.current.Load(), nil
}

// Subscribe registers for sessionID's progress events. replay controls
// whether events already published are delivered before new ones.
func (m *Manager) Subscribe(ctx context.Context, sessionID string, replay bool) (*eventbus.Subscription, error) {
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.bus.Subscribe(ctx, sessionID, replay), nil
}

// Close stops the queue-drain worker and waits for in-flight sessions to run
// to completion; it does not cancel them. Sessions still waiting in the queue
// are not started.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.shutdown()
	})
	m.wg.Wait()
}

// drainQueue admits queued sessions up to MAX_CONCURRENT and runs each in
// its own goroutine via the runner. The semaphore is acquired before the id
// is taken off the queue, so a session parked waiting for a concurrency slot
// still occupies its queue position: admitted depth never exceeds
// MAX_CONCURRENT running plus QUEUE_CAP queued.
func (m *Manager) drainQueue() {
	defer m.wg.Done()

	for {
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			return
		}

		select {
		case <-m.done:
			m.sem.Release(1)
			return
		case id := <-m.queue:
			m.wg.Add(1)
			go m.runSession(context.Background(), id)
		}
	}
}

func (m *Manager) runSession(ctx context.Context, id string) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	emit := func(evt session.ProgressEvent) session.ProgressEvent {
		snap := e.publish()
		now := time.Now()
		evt.Sequence = m.bus.Reserve(id)
		evt.SessionID = id
		if evt.EmittedAt.IsZero() {
			evt.EmittedAt = now
		}

		if m.hist != nil {
			histCtx, cancel := context.WithTimeout(ctx, m.cfg.THist)
			err := m.hist.Append(histCtx, history.Record{
				SessionID:  id,
				Sequence:   evt.Sequence,
				Kind:       evt.Kind,
				Snapshot:   snap,
				Message:    evt.Message,
				AppendedAt: evt.EmittedAt,
			})
			cancel()
			if err != nil {
				m.logger.Error(ctx, "history append failed", "session_id", id, "sequence", evt.Sequence, "error", err)
			}
		}

		return m.bus.Publish(id, evt, now)
	}

	m.runner.Run(ctx, &e.sess, emit, e.cancelled)
	final := e.publish()

	if m.hist != nil {
		histCtx, cancel := context.WithTimeout(ctx, m.cfg.THist)
		_ = m.hist.Finalize(histCtx, id, final, time.Now())
		cancel()
	}
}
