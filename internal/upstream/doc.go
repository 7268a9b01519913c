// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package upstream implements the chat-completions client used to turn
// natural-language questions into shell commands.
//
// The client speaks the OpenAI-compatible chat completions protocol used
// by DeepSeek and similar providers: a bearer-authenticated POST carrying
// a model identifier, a message list, temperature and a max-token cap.
// It supports two delivery shapes:
//
//   - Complete: one buffered JSON response, parsed and trimmed.
//   - Stream: the raw SSE byte stream handle, decoded elsewhere.
//
// Errors from the provider are surfaced as *UpstreamError carrying the
// HTTP status; the client never retries on its own.
package upstream
