// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiraTheresa/AI-command-line-query-tool/internal/util"
)

// =============================================================================
// PERSISTED TYPES
// =============================================================================

// Exchange is one persisted question/answer interaction. Exchanges are
// immutable once written; the store only ever appends.
type Exchange struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Environment string    `json:"environment"`
	Answer      string    `json:"answer"`
	Mode        string    `json:"mode"`
	Timestamp   time.Time `json:"timestamp"`
}

// Entry is one leaderboard row. Command is the identity key; UsageCount
// only ever grows.
type Entry struct {
	Command    string `json:"command"`
	UsageCount int    `json:"usage_count"`
}

// =============================================================================
// ERRORS
// =============================================================================

// PersistenceError wraps a failed read or write of a collection file.
type PersistenceError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// STORE
// =============================================================================

// Store provides serialized access to the history and leaderboard files.
type Store struct {
	historyPath     string
	leaderboardPath string

	// One mutex per collection: every mutation is a full
	// lock -> read -> modify -> atomic write -> unlock cycle, which is
	// what makes concurrent commits safe.
	historyMu     sync.Mutex
	leaderboardMu sync.Mutex
}

// New creates a store rooted at dir, creating empty collection files on
// first use so readers never see a missing file.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		historyPath:     filepath.Join(dir, "history.json"),
		leaderboardPath: filepath.Join(dir, "leaderboard.json"),
	}

	for _, path := range []string{s.historyPath, s.leaderboardPath} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := util.AtomicWriteFile(path, []byte("[]"), 0644); err != nil {
				return nil, &PersistenceError{Op: "write", Path: path, Err: err}
			}
		}
	}

	return s, nil
}

// HistoryPath returns the history file path.
func (s *Store) HistoryPath() string {
	return s.historyPath
}

// LeaderboardPath returns the leaderboard file path.
func (s *Store) LeaderboardPath() string {
	return s.leaderboardPath
}

// =============================================================================
// HISTORY
// =============================================================================

// History returns all persisted exchanges in append order.
func (s *Store) History() ([]Exchange, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return s.readHistory()
}

// AppendExchange assigns the exchange an ID and timestamp when unset and
// appends it to the history collection.
func (s *Store) AppendExchange(ex *Exchange) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now().UTC()
	}

	history, err := s.readHistory()
	if err != nil {
		return err
	}

	history = append(history, *ex)
	return s.writeHistory(history)
}

func (s *Store) readHistory() ([]Exchange, error) {
	data, err := os.ReadFile(s.historyPath)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: s.historyPath, Err: err}
	}

	var history []Exchange
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, &PersistenceError{Op: "read", Path: s.historyPath, Err: err}
	}
	return history, nil
}

func (s *Store) writeHistory(history []Exchange) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "write", Path: s.historyPath, Err: err}
	}
	if err := util.AtomicWriteFile(s.historyPath, data, 0644); err != nil {
		return &PersistenceError{Op: "write", Path: s.historyPath, Err: err}
	}
	return nil
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// Leaderboard returns the current entries, sorted by usage descending.
func (s *Store) Leaderboard() ([]Entry, error) {
	s.leaderboardMu.Lock()
	defer s.leaderboardMu.Unlock()
	return s.readLeaderboard()
}

// RecordCommand increments the usage count for command (adding an entry
// at count 1 when new), re-sorts the collection by usage descending with
// the stable order preserving earlier insertions on ties, and persists it
// before returning the updated snapshot.
//
// Whitespace-only commands are a no-op and return the unchanged snapshot.
func (s *Store) RecordCommand(command string) ([]Entry, error) {
	s.leaderboardMu.Lock()
	defer s.leaderboardMu.Unlock()

	entries, err := s.readLeaderboard()
	if err != nil {
		return nil, err
	}

	command = strings.TrimSpace(command)
	if command == "" {
		return entries, nil
	}

	found := false
	for i := range entries {
		if entries[i].Command == command {
			entries[i].UsageCount++
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, Entry{Command: command, UsageCount: 1})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UsageCount > entries[j].UsageCount
	})

	if err := s.writeLeaderboard(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) readLeaderboard() ([]Entry, error) {
	data, err := os.ReadFile(s.leaderboardPath)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: s.leaderboardPath, Err: err}
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &PersistenceError{Op: "read", Path: s.leaderboardPath, Err: err}
	}
	return entries, nil
}

func (s *Store) writeLeaderboard(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "write", Path: s.leaderboardPath, Err: err}
	}
	if err := util.AtomicWriteFile(s.leaderboardPath, data, 0644); err != nil {
		return &PersistenceError{Op: "write", Path: s.leaderboardPath, Err: err}
	}
	return nil
}
