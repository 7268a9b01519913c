// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import "strings"

// =============================================================================
// RESPONSE MODES
// =============================================================================

// Mode selects which system prompt the upstream model is given.
type Mode string

const (
	// ModeQuery is the default mode: commands with brief annotations and
	// a worked example, useful when the question may be ambiguous.
	ModeQuery Mode = "query"

	// ModeCertain is the terse mode: exactly the command(s), nothing else.
	ModeCertain Mode = "certain"
)

// systemPrompts is the closed lookup from mode to system instruction.
var systemPrompts = map[Mode]string{
	ModeCertain: `You are a command line helper. Please provide only the command line as the answer, no explanations, no comments, no markdown code blocks. If multiple commands are needed, separate them with newlines.`,

	ModeQuery: `You are a command line helper. Provide the command line(s) that answer the question. Do not use markdown code blocks. If multiple commands are needed, separate them with newlines. If the question is ambiguous, you may provide multiple candidate commands, each followed by a brief comment introduced with #.

Example:
Question: show listening TCP ports
Answer:
ss -tlnp  # modern replacement for netstat
netstat -tlnp  # if ss is unavailable`,
}

// ParseMode normalizes a client-supplied mode string. Unknown or empty
// values fall back to ModeQuery.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCertain:
		return ModeCertain
	default:
		return ModeQuery
	}
}

// Valid reports whether m is one of the two defined modes.
func (m Mode) Valid() bool {
	_, ok := systemPrompts[m]
	return ok
}

// SystemPrompt returns the system instruction for the mode.
func (m Mode) SystemPrompt() string {
	if p, ok := systemPrompts[m]; ok {
		return p
	}
	return systemPrompts[ModeQuery]
}

// BuildUserPrompt combines the question with the optional environment
// description the way the wire contract expects.
func BuildUserPrompt(question, environment string) string {
	prompt := question
	if environment != "" {
		prompt += "\nEnvironment: " + environment
	}
	return prompt
}

// BuildMessages constructs the role-based message pair for a query.
func BuildMessages(question, environment string, mode Mode) []ChatMessage {
	return []ChatMessage{
		NewSystemMessage(mode.SystemPrompt()),
		NewUserMessage(BuildUserPrompt(question, environment)),
	}
}
