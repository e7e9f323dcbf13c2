// Package state provides filesystem-backed storage for the bridge's
// durable odds and ends. Live session state belongs to the supervisor;
// this package only records history.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/clawbridge/internal/types"
)

// SessionHistory is a JSON-file-backed record of past and present
// sessions, stored in sessions.json under the data directory.
type SessionHistory struct {
	root string
	mu   sync.RWMutex
}

// NewSessionHistory creates a history store rooted at the given
// directory.
func NewSessionHistory(root string) *SessionHistory {
	return &SessionHistory{root: root}
}

func (s *SessionHistory) path() string {
	return filepath.Join(s.root, "sessions.json")
}

func (s *SessionHistory) load() ([]*types.SessionRecord, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session history: %w", err)
	}
	var records []*types.SessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal session history: %w", err)
	}
	return records, nil
}

// save marshals with indentation and writes atomically.
func (s *SessionHistory) save(records []*types.SessionRecord) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session history: %w", err)
	}
	data = append(data, '\n')
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session history: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session history: %w", err)
	}
	return nil
}

// Record appends a new session record.
func (s *SessionHistory) Record(_ context.Context, rec *types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	return s.save(append(records, rec))
}

// Close fills in the end reason and event count for the given session.
func (s *SessionHistory) Close(_ context.Context, id types.SessionID, reason types.EndReason, eventCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.SessionID == id {
			rec.EndedAt = time.Now()
			rec.EndReason = reason
			rec.EventCount = eventCount
			return s.save(records)
		}
	}
	return fmt.Errorf("session not found: %s", id)
}

// List returns all recorded sessions, oldest first.
func (s *SessionHistory) List(_ context.Context) ([]*types.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*types.SessionRecord{}
	}
	return records, nil
}

// Compile-time interface compliance check.
var _ types.HistoryStore = (*SessionHistory)(nil)
