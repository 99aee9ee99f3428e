package history

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/deskrun/orchestrator/orcherr"
	"github.com/deskrun/orchestrator/session"
)

// FileStore is a crash-tolerant, append-only history store backed by a
// single JSONL file: one JSON-encoded line per Record. A corrupt trailing
// line (a partial write from a crash mid-append) is skipped on load rather
// than failing the whole store.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	bySess map[string][]Record
	final  map[string]session.Snapshot
	opened map[string]openInfo
	seen   map[string]bool
	order  []string // session IDs in first-seen order, newest appended last
}

// openInfo is the record written by Open, identifying a session before any
// progress event exists for it.
type openInfo struct {
	Instruction string    `json:"instruction"`
	CreatedAt   time.Time `json:"created_at"`
}

type fileRecord struct {
	Record
	Open    *openInfo          `json:"open,omitempty"`
	IsOpen  bool               `json:"is_open,omitempty"`
	Final   *session.Snapshot `json:"final,omitempty"`
	IsFinal bool               `json:"is_final,omitempty"`
}

// OpenFileStore opens (creating if necessary) the JSONL file at path and
// replays its contents into memory.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "open history file", err)
	}
	s := &FileStore{
		path:   path,
		file:   f,
		bySess: make(map[string][]Record),
		final:  make(map[string]session.Snapshot),
		opened: make(map[string]openInfo),
		seen:   make(map[string]bool),
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) replay() error {
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Partial write from a crash mid-append. It is terminated below,
			// so records appended after reopening start on a line of their own.
			continue
		}
		s.index(rec)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if info, err := s.file.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := s.file.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			if _, err := s.file.Write([]byte{'\n'}); err != nil {
				return orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "terminate partial history record", err)
			}
		}
	}
	return nil
}

func (s *FileStore) index(rec fileRecord) {
	if !s.seen[rec.SessionID] {
		s.seen[rec.SessionID] = true
		s.order = append(s.order, rec.SessionID)
	}
	if rec.IsOpen && rec.Open != nil {
		if _, ok := s.opened[rec.SessionID]; !ok {
			s.opened[rec.SessionID] = *rec.Open
		}
		return
	}
	if rec.IsFinal && rec.Final != nil {
		s.final[rec.SessionID] = *rec.Final
		return
	}
	existing := s.bySess[rec.SessionID]
	for _, r := range existing {
		if r.Sequence == rec.Sequence {
			return // idempotent: already recorded
		}
	}
	s.bySess[rec.SessionID] = append(existing, rec.Record)
}

func (s *FileStore) appendLine(v fileRecord) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "encode history record", err)
	}
	buf = append(buf, '\n')
	if _, err := s.file.Write(buf); err != nil {
		return orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "write history record", err)
	}
	return s.file.Sync()
}

// Open implements Store.
func (s *FileStore) Open(_ context.Context, sessionID, instruction string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.opened[sessionID]; ok {
		return nil
	}
	rec := fileRecord{
		Record: Record{SessionID: sessionID, AppendedAt: createdAt},
		Open:   &openInfo{Instruction: instruction, CreatedAt: createdAt},
		IsOpen: true,
	}
	if err := s.appendLine(rec); err != nil {
		return err
	}
	s.index(rec)
	return nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.bySess[r.SessionID] {
		if existing.Sequence == r.Sequence {
			return nil
		}
	}
	if err := s.appendLine(fileRecord{Record: r}); err != nil {
		return err
	}
	s.index(fileRecord{Record: r})
	return nil
}

// Finalize implements Store.
func (s *FileStore) Finalize(_ context.Context, sessionID string, final session.Snapshot, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.final[sessionID]; ok {
		return nil
	}
	rec := fileRecord{
		Record:  Record{SessionID: sessionID, AppendedAt: at},
		Final:   &final,
		IsFinal: true,
	}
	if err := s.appendLine(rec); err != nil {
		return err
	}
	s.index(rec)
	return nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append([]Record(nil), s.bySess[sessionID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
	return recs, nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context, limit int, before *time.Time) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Summary
	for _, id := range s.order {
		open, isOpen := s.opened[id]
		final, isFinal := s.final[id]
		recs := s.bySess[id]
		if len(recs) == 0 && !isFinal && !isOpen {
			continue
		}
		summary := Summary{SessionID: id, State: session.StatePending}
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
		if isFinal {
			summary.State = final.State
			summary.CompletedAt = final.CompletedAt
			summary.UpdatedAt = final.UpdatedAt
		}
		if before != nil && !summary.CreatedAt.Before(*before) {
			continue
		}
		all = append(all, summary)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	page := Page{Sessions: all[:limit]}
	if limit < len(all) {
		next := all[limit].CreatedAt
		page.NextBefore = &next
	}
	return page, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
