// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION TESTS
// =============================================================================

func TestClientDefaults(t *testing.T) {
	c := NewClient("sk-test")

	if c.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", c.Model(), DefaultModel)
	}
	if !c.IsConfigured() {
		t.Error("IsConfigured() = false with a key set")
	}
}

func TestClientNotConfigured(t *testing.T) {
	c := NewClient("   ")
	if c.IsConfigured() {
		t.Error("IsConfigured() = true for whitespace key")
	}

	ctx := context.Background()
	if _, err := c.Complete(ctx, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Complete error = %v, want ErrNotConfigured", err)
	}
	if _, err := c.Stream(ctx, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Stream error = %v, want ErrNotConfigured", err)
	}
}

// =============================================================================
// BUFFERED COMPLETION TESTS
// =============================================================================

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("buffered request has stream=true")
		}
		if req.Model != DefaultModel {
			t.Errorf("model = %q, want %q", req.Model, DefaultModel)
		}
		if req.MaxTokens != DefaultMaxTokens {
			t.Errorf("max_tokens = %d, want %d", req.MaxTokens, DefaultMaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "test-id",
			"choices": [{"message": {"role": "assistant", "content": "  ls -la  "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	c := NewClient("sk-test").WithBaseURL(server.URL)

	got, err := c.Complete(context.Background(), BuildMessages("list files", "linux", ModeCertain))
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if got != "ls -la" {
		t.Errorf("Complete = %q, want trimmed %q", got, "ls -la")
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "test-id", "choices": []}`))
	}))
	defer server.Close()

	c := NewClient("sk-test").WithBaseURL(server.URL)

	_, err := c.Complete(context.Background(), []ChatMessage{NewUserMessage("hi")})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Errorf("Complete error = %v, want ErrEmptyCompletion", err)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"code": "invalid_api_key", "message": "Invalid API key"}}`))
	}))
	defer server.Close()

	c := NewClient("sk-bad").WithBaseURL(server.URL)

	_, err := c.Complete(context.Background(), []ChatMessage{NewUserMessage("hi")})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Complete error = %T, want *UpstreamError", err)
	}
	if upErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", upErr.Status)
	}
	if upErr.Message != "Invalid API key" {
		t.Errorf("Message = %q, want provider message extracted", upErr.Message)
	}
}

func TestCompleteContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	c := NewClient("sk-test").WithBaseURL(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Complete(ctx, []ChatMessage{NewUserMessage("hi")}); err == nil {
		t.Error("Complete with expired context = nil error")
	}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestStreamSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", got)
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("streaming request has stream=false")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n\ndata: [DONE]\n\n"))
	}))
	defer server.Close()

	c := NewClient("sk-test").WithBaseURL(server.URL)

	body, err := c.Stream(context.Background(), []ChatMessage{NewUserMessage("hi")})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(raw), "[DONE]") {
		t.Errorf("stream body missing terminator: %q", raw)
	}
}

func TestStreamUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	c := NewClient("sk-test").WithBaseURL(server.URL)

	_, err := c.Stream(context.Background(), []ChatMessage{NewUserMessage("hi")})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Stream error = %T, want *UpstreamError", err)
	}
	if upErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", upErr.Status)
	}
	if upErr.Message != "rate limited" {
		t.Errorf("Message = %q", upErr.Message)
	}
}

// =============================================================================
// PROMPT TESTS
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"query", ModeQuery},
		{"certain", ModeCertain},
		{"CERTAIN", ModeCertain},
		{"", ModeQuery},
		{"bogus", ModeQuery},
	}

	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildUserPrompt(t *testing.T) {
	got := BuildUserPrompt("how do I list files", "Ubuntu 22.04")
	if !strings.Contains(got, "how do I list files") {
		t.Errorf("prompt missing question: %q", got)
	}
	if !strings.Contains(got, "\nEnvironment: Ubuntu 22.04") {
		t.Errorf("prompt missing environment suffix: %q", got)
	}
}

func TestBuildUserPromptNoEnvironment(t *testing.T) {
	got := BuildUserPrompt("how do I list files", "")
	if strings.Contains(got, "Environment:") {
		t.Errorf("prompt has environment suffix without environment: %q", got)
	}
}

func TestBuildMessages(t *testing.T) {
	msgs := BuildMessages("kill a process", "macOS", ModeCertain)
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("messages[0].Role = %q, want system", msgs[0].Role)
	}
	if msgs[0].Content != ModeCertain.SystemPrompt() {
		t.Error("system message does not match mode prompt")
	}
	if msgs[1].Role != "user" {
		t.Errorf("messages[1].Role = %q, want user", msgs[1].Role)
	}

	// The two modes must produce different system prompts.
	if ModeQuery.SystemPrompt() == ModeCertain.SystemPrompt() {
		t.Error("query and certain modes share a system prompt")
	}
}
