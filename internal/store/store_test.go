// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// STORE LIFECYCLE TESTS
// =============================================================================

func TestNewInitializesCollections(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)

	for _, path := range []string{s.HistoryPath(), s.LeaderboardPath()} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.JSONEq(t, "[]", string(data))
	}

	history, err := s.History()
	require.NoError(t, err)
	require.Empty(t, history)

	entries, err := s.Leaderboard()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNewKeepsExistingData(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.AppendExchange(&Exchange{Question: "q", Answer: "ls"}))

	// Reopening must not reset the collections.
	s2, err := New(dir)
	require.NoError(t, err)

	history, err := s2.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "ls", history[0].Answer)
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestAppendExchangeAssignsIdentity(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ex := &Exchange{
		Question:    "list files",
		Environment: "linux",
		Answer:      "ls -la",
		Mode:        "query",
	}
	require.NoError(t, s.AppendExchange(ex))

	require.NotEmpty(t, ex.ID)
	require.False(t, ex.Timestamp.IsZero())

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, ex.ID, history[0].ID)
	require.Equal(t, "list files", history[0].Question)
	require.Equal(t, "linux", history[0].Environment)
	require.Equal(t, "query", history[0].Mode)
}

func TestAppendExchangePreservesOrder(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	answers := []string{"ls", "pwd", "whoami"}
	for _, a := range answers {
		require.NoError(t, s.AppendExchange(&Exchange{Question: "q", Answer: a}))
	}

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, a := range answers {
		require.Equal(t, a, history[i].Answer)
	}
}

func TestHistoryRoundTripsAllFields(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ex := &Exchange{
		Question:    "unicode?",
		Environment: "zsh on macOS",
		Answer:      "echo 'héllo'\nls",
		Mode:        "certain",
	}
	require.NoError(t, s.AppendExchange(ex))

	// Read the raw file to confirm the on-disk shape round-trips.
	data, err := os.ReadFile(s.HistoryPath())
	require.NoError(t, err)

	var raw []Exchange
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	require.Equal(t, *ex, raw[0])
}

func TestHistoryCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.json"), []byte("{broken"), 0644))

	_, err = s.History()
	require.Error(t, err)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "read", perr.Op)
}

// =============================================================================
// LEADERBOARD TESTS
// =============================================================================

func TestRecordCommandIncrementsAndSorts(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.RecordCommand("ls -la")
	require.NoError(t, err)
	_, err = s.RecordCommand("docker ps")
	require.NoError(t, err)
	entries, err := s.RecordCommand("ls -la")
	require.NoError(t, err)

	require.Len(t, entries, 2)
	require.Equal(t, "ls -la", entries[0].Command)
	require.Equal(t, 2, entries[0].UsageCount)
	require.Equal(t, "docker ps", entries[1].Command)
	require.Equal(t, 1, entries[1].UsageCount)
}

func TestRecordCommandExactMatchOnly(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.RecordCommand("ls -la")
	require.NoError(t, err)
	entries, err := s.RecordCommand("ls -l")
	require.NoError(t, err)

	// Near-identical commands are distinct identities.
	require.Len(t, entries, 2)
}

func TestRecordCommandEmptyIsNoop(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.RecordCommand("ls")
	require.NoError(t, err)

	entries, err := s.RecordCommand("   ")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = s.Leaderboard()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecordCommandConcurrent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordCommand("ls -la")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every concurrent increment must be reflected: the read-modify-write
	// cycle is serialized inside the store.
	entries, err := s.Leaderboard()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 10, entries[0].UsageCount)
}

func TestConcurrentHistoryAndLeaderboard(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.AppendExchange(&Exchange{Question: "q", Answer: "ls"})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.RecordCommand("ls")
		}()
	}
	wg.Wait()

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 10)

	entries, err := s.Leaderboard()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 10, entries[0].UsageCount)
}
