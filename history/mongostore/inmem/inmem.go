// Package inmem provides an in-memory fake of mongostore.Client for tests
// and local tooling that want mongostore.Store's semantics without a live
// MongoDB instance.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deskrun/orchestrator/history"
	"github.com/deskrun/orchestrator/session"
)

// Client is an in-memory implementation of mongostore.Client.
type Client struct {
	mu      sync.RWMutex
	records map[string][]history.Record
	final   map[string]session.Snapshot
	opened  map[string]openRecord
	seen    map[string]bool
	order   []string
}

type openRecord struct {
	Instruction string
	CreatedAt   time.Time
}

// New returns a Client with no recorded history.
func New() *Client {
	return &Client{
		records: make(map[string][]history.Record),
		final:   make(map[string]session.Snapshot),
		opened:  make(map[string]openRecord),
		seen:    make(map[string]bool),
	}
}

func (c *Client) markSeen(sessionID string) {
	if !c.seen[sessionID] {
		c.seen[sessionID] = true
		c.order = append(c.order, sessionID)
	}
}

// UpsertOpen records sessionID's opening instruction and timestamp, once.
func (c *Client) UpsertOpen(_ context.Context, sessionID, instruction string, createdAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markSeen(sessionID)
	if _, seen := c.opened[sessionID]; seen {
		return nil
	}
	c.opened[sessionID] = openRecord{Instruction: instruction, CreatedAt: createdAt}
	return nil
}

// UpsertRecord inserts r unless (SessionID, Sequence) was already recorded.
func (c *Client) UpsertRecord(_ context.Context, r history.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markSeen(r.SessionID)
	for _, existing := range c.records[r.SessionID] {
		if existing.Sequence == r.Sequence {
			return nil
		}
	}
	c.records[r.SessionID] = append(c.records[r.SessionID], r)
	return nil
}

// UpsertFinal records the final snapshot for sessionID, once.
func (c *Client) UpsertFinal(_ context.Context, sessionID string, final session.Snapshot, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.final[sessionID]; ok {
		return nil
	}
	c.final[sessionID] = final
	return nil
}

// ListRecords returns sessionID's records ordered by sequence.
func (c *Client) ListRecords(_ context.Context, sessionID string) ([]history.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	recs := append([]history.Record(nil), c.records[sessionID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
	return recs, nil
}

// ListFinal returns the final snapshot for sessionID, if recorded.
func (c *Client) ListFinal(_ context.Context, sessionID string) (session.Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.final[sessionID]
	return snap, ok, nil
}

// ListSummaries returns newest-first summaries across every session.
func (c *Client) ListSummaries(_ context.Context, limit int, before *time.Time) ([]history.Summary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []history.Summary
	for _, id := range c.order {
		open, isOpen := c.opened[id]
		recs := c.records[id]
		if len(recs) == 0 && !isOpen {
			continue
		}
		summary := history.Summary{SessionID: id, State: session.StatePending}
		if isOpen {
			summary.Instruction = open.Instruction
			summary.CreatedAt = open.CreatedAt
			summary.UpdatedAt = open.CreatedAt
		}
		if len(recs) > 0 {
			summary.Instruction = recs[0].Snapshot.Instruction
			summary.CreatedAt = recs[0].Snapshot.CreatedAt
			summary.State = recs[len(recs)-1].Snapshot.State
			summary.UpdatedAt = recs[len(recs)-1].Snapshot.UpdatedAt
		}
		if final, ok := c.final[id]; ok {
			summary.State = final.State
			summary.CompletedAt = final.CompletedAt
		}
		if before != nil && !summary.CreatedAt.Before(*before) {
			continue
		}
		all = append(all, summary)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Close is a no-op for the in-memory fake.
func (c *Client) Close(context.Context) error { return nil }
