// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package query orchestrates the streaming pipeline: it validates the
// incoming question, drives the upstream completion, feeds the byte
// stream through the SSE decoder while forwarding deltas to the caller,
// and commits the finished answer to history and the leaderboard exactly
// once per request.
//
// Commit rules:
//
//   - A non-empty reconstructed answer is recorded on the leaderboard and
//     appended to history, in that order, before completion is signalled.
//   - An empty answer commits nothing and still completes cleanly.
//   - Any upstream or stream failure commits nothing and surfaces as a
//     terminal error distinct from completion.
//   - A persistence failure after streaming is surfaced as the terminal
//     error even though the caller has already seen the content; this
//     asymmetry is deliberate and logged.
package query
