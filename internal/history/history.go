// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package history keeps a capped, most-recent-first list of executed queries.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cellrun/cli/internal/xdg"
)

// MaxEntries is the number of entries kept.
const MaxEntries = 50

// FileName is the history file inside the state directory.
const FileName = "history.json"

// Result summarizes the outcome recorded with an entry.
type Result struct {
	Status       string   `json:"status"`
	Kind         string   `json:"kind,omitempty"`
	Table        string   `json:"table,omitempty"`
	Columns      []string `json:"columns,omitempty"`
	RowCount     int      `json:"rowCount"`
	RowsAffected int64    `json:"rowsAffected,omitempty"`
	Violations   int      `json:"violations,omitempty"`
	ElapsedMS    int64    `json:"elapsedMs"`
}

// Entry is one recorded query.
type Entry struct {
	ID               string         `json:"id"`
	SQL              string         `json:"sql"`
	Connection       string         `json:"connection"`
	Variables        map[string]any `json:"variables,omitempty"`
	Result           Result         `json:"result"`
	RuleFile         string         `json:"ruleFile,omitempty"`
	CodeResolverFile string         `json:"codeResolverFile,omitempty"`
	RecordedAt       time.Time      `json:"recordedAt"`
}

func (e Entry) key() string {
	return e.Connection + "\x00" + strings.TrimSpace(e.SQL)
}

// Store is safe for concurrent use. A store with an empty path lives only in
// memory.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	now     func() time.Time
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{now: time.Now}
}

// DefaultPath returns the history file in the XDG state directory.
func DefaultPath() (string, error) {
	dir, err := xdg.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Open loads the history file at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.entries); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	if len(s.entries) > MaxEntries {
		s.entries = s.entries[:MaxEntries]
	}
	return s, nil
}

// Record adds e to the front of the list. An entry with the same trimmed SQL
// and connection is updated in place instead, keeping its position and id.
func (s *Store) Record(e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	for i := range s.entries {
		if s.entries[i].key() == e.key() {
			e.ID = s.entries[i].ID
			s.entries[i] = e
			return e, s.persistLocked()
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.entries = append([]Entry{e}, s.entries...)
	if len(s.entries) > MaxEntries {
		s.entries = s.entries[:MaxEntries]
	}
	return e, s.persistLocked()
}

// List returns a copy of the entries, most recent first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes all entries.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	entries := s.entries
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
