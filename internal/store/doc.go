// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists the query tool's two collections: the ordered
// history of question/answer exchanges and the frequency-ranked command
// leaderboard.
//
// Each collection lives in one JSON file that is read and rewritten in
// full on every mutation. Writes are atomic (temp file, fsync, rename)
// and every read-modify-write cycle is serialized behind a per-collection
// mutex, so concurrent queries can never lose each other's updates.
package store
