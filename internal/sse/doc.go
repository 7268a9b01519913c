// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes the provider's Server-Sent-Events completion stream
// into discrete content deltas.
//
// The decoder is pull-based: callers repeatedly invoke Next and receive
// one event per call, in upstream order. Cancellation is simply "stop
// pulling and Close". A stream yields zero or more delta events followed
// by exactly one done event carrying the concatenated answer; after that
// Next returns io.EOF.
//
// The decoder tolerates arbitrary chunk boundaries (frames split across
// reads, including mid-field), skips comment and malformed frames without
// aborting, and treats a silent upstream close as a completed - possibly
// truncated - answer rather than an error.
package sse
