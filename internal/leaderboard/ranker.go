// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package leaderboard ranks returned commands by how often they have been
// produced.
package leaderboard

import (
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/store"
)

// Ranker maintains the frequency-sorted command leaderboard on top of
// the record store.
type Ranker struct {
	store *store.Store
}

// NewRanker creates a ranker backed by the given store.
func NewRanker(s *store.Store) *Ranker {
	return &Ranker{store: s}
}

// Record counts one use of command and returns the re-sorted leaderboard
// snapshot. Empty or whitespace-only commands leave the collection
// untouched. The updated collection is persisted synchronously before
// Record returns; the store serializes the read-modify-write cycle, so
// concurrent records for the same command are both reflected.
func (r *Ranker) Record(command string) ([]store.Entry, error) {
	return r.store.RecordCommand(command)
}

// Snapshot returns the current leaderboard without mutating it.
func (r *Ranker) Snapshot() ([]store.Entry, error) {
	return r.store.Leaderboard()
}
