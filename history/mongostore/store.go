package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/deskrun/orchestrator/history"
	"github.com/deskrun/orchestrator/session"
)

// Store implements history.Store by delegating to a Client.
type Store struct {
	client Client
}

// NewStore builds a Store using the provided client.
func NewStore(client Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Open implements history.Store.
func (s *Store) Open(ctx context.Context, sessionID, instruction string, createdAt time.Time) error {
	return s.client.UpsertOpen(ctx, sessionID, instruction, createdAt)
}

// Append implements history.Store.
func (s *Store) Append(ctx context.Context, r history.Record) error {
	return s.client.UpsertRecord(ctx, r)
}

// Finalize implements history.Store.
func (s *Store) Finalize(ctx context.Context, sessionID string, final session.Snapshot, at time.Time) error {
	return s.client.UpsertFinal(ctx, sessionID, final, at)
}

// Get implements history.Store.
func (s *Store) Get(ctx context.Context, sessionID string) ([]history.Record, error) {
	return s.client.ListRecords(ctx, sessionID)
}

// List implements history.Store.
func (s *Store) List(ctx context.Context, limit int, before *time.Time) (history.Page, error) {
	summaries, err := s.client.ListSummaries(ctx, limit, before)
	if err != nil {
		return history.Page{}, err
	}
	page := history.Page{Sessions: summaries}
	if limit > 0 && len(summaries) == limit {
		next := summaries[len(summaries)-1].CreatedAt
		page.NextBefore = &next
	}
	return page, nil
}

// Close implements history.Store.
func (s *Store) Close() error {
	return s.client.Close(context.Background())
}
