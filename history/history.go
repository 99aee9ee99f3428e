// Package history provides the durable, append-only session history store:
// the canonical source of truth for what a session did, independent of the
// event bus's live, best-effort progress stream.
package history

import (
	"context"
	"time"

	"github.com/deskrun/orchestrator/session"
)

// Record is one immutable entry in a session's history. Unlike
// session.ProgressEvent, a Record is never dropped for backpressure reasons;
// append failures are surfaced to the caller.
type Record struct {
	SessionID string
	Sequence  uint64
	Kind      session.EventKind
	Snapshot  session.Snapshot
	Message   string
	AppendedAt time.Time
}

// Summary is the lightweight listing view of a session, used by List without
// paying the cost of materializing every record.
type Summary struct {
	SessionID   string
	Instruction string
	State       session.State
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Page is a forward page of session summaries.
type Page struct {
	Sessions   []Summary
	NextBefore *time.Time
}

// Store is the append-only history store contract. Implementations must
// provide stable ordering within a session and idempotent Append: appending
// the same (SessionID, Sequence) pair twice is a no-op, not an error, so
// retried writers never duplicate history after a crash.
type Store interface {
	// Open creates the history record for a newly admitted session, before
	// any progress event is appended for it. Open is idempotent: opening a
	// session that already has an open record is a no-op. A caller that
	// fails to open a session's record must not proceed to admit it.
	Open(ctx context.Context, sessionID, instruction string, createdAt time.Time) error
	// Append persists r. Append is idempotent on (r.SessionID, r.Sequence).
	Append(ctx context.Context, r Record) error
	// Finalize marks a session's history as complete, recording its final
	// snapshot. Finalize is idempotent.
	Finalize(ctx context.Context, sessionID string, final session.Snapshot, at time.Time) error
	// Get returns every record appended for sessionID, ordered by sequence.
	Get(ctx context.Context, sessionID string) ([]Record, error)
	// List returns a page of session summaries ordered newest-first. If
	// before is non-nil, only sessions created strictly before it are
	// returned.
	List(ctx context.Context, limit int, before *time.Time) (Page, error)
	// Close releases resources held by the store.
	Close() error
}
