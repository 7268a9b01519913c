// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package query

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kiraTheresa/AI-command-line-query-tool/internal/leaderboard"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/store"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/upstream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// captureSink records everything the orchestrator sends it.
type captureSink struct {
	deltas   []string
	done     bool
	doneEx   *store.Exchange
	fullText string

	deltaErr error
}

func (s *captureSink) Delta(content string) error {
	if s.deltaErr != nil {
		return s.deltaErr
	}
	s.deltas = append(s.deltas, content)
	return nil
}

func (s *captureSink) Done(ex *store.Exchange, fullAnswer string) error {
	s.done = true
	s.doneEx = ex
	s.fullText = fullAnswer
	return nil
}

// sseUpstream builds an httptest server that answers every completion
// request with the given SSE body.
func sseUpstream(t *testing.T, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
}

func newPipeline(t *testing.T, upstreamURL string) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	client := upstream.NewClient("sk-test").WithBaseURL(upstreamURL)
	return New(client, st, leaderboard.NewRanker(st)), st
}

func deltaFrame(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestStreamForwardsDeltasAndCommits(t *testing.T) {
	server := sseUpstream(t, deltaFrame("ls")+deltaFrame(" -la")+"data: [DONE]\n\n", nil)
	defer server.Close()

	orch, st := newPipeline(t, server.URL)
	sink := &captureSink{}

	err := orch.Stream(context.Background(), Request{Question: "list files", Environment: "linux"}, sink)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if got := strings.Join(sink.deltas, ""); got != "ls -la" {
		t.Errorf("forwarded deltas = %q, want %q", got, "ls -la")
	}
	if !sink.done || sink.fullText != "ls -la" {
		t.Errorf("done = %v fullAnswer = %q", sink.done, sink.fullText)
	}
	if sink.doneEx == nil {
		t.Fatal("done exchange is nil for a non-empty answer")
	}
	if sink.doneEx.Answer != "ls -la" {
		t.Errorf("exchange answer = %q", sink.doneEx.Answer)
	}
	if sink.doneEx.Mode != "query" {
		t.Errorf("exchange mode = %q, want default query", sink.doneEx.Mode)
	}

	// Committed exactly once to both collections.
	history, err := st.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	entries, err := st.Leaderboard()
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(entries) != 1 || entries[0].Command != "ls -la" || entries[0].UsageCount != 1 {
		t.Errorf("leaderboard = %+v, want single ls -la entry with count 1", entries)
	}
}

func TestStreamEmptyQuestionRejected(t *testing.T) {
	var calls atomic.Int32
	server := sseUpstream(t, "data: [DONE]\n\n", &calls)
	defer server.Close()

	orch, st := newPipeline(t, server.URL)
	sink := &captureSink{}

	err := orch.Stream(context.Background(), Request{Question: "   "}, sink)
	if !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("Stream error = %v, want ErrEmptyQuestion", err)
	}
	if calls.Load() != 0 {
		t.Error("blank question still reached the upstream")
	}
	assertNothingCommitted(t, st)
}

func TestStreamEmptyAnswerNotCommitted(t *testing.T) {
	server := sseUpstream(t, "data: [DONE]\n\n", nil)
	defer server.Close()

	orch, st := newPipeline(t, server.URL)
	sink := &captureSink{}

	if err := orch.Stream(context.Background(), Request{Question: "q"}, sink); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if !sink.done {
		t.Error("done not delivered for empty answer")
	}
	if sink.doneEx != nil {
		t.Error("exchange committed for empty answer")
	}
	assertNothingCommitted(t, st)
}

func TestStreamTruncationStillCommits(t *testing.T) {
	// Upstream closes without a [DONE] terminator; the partial answer is
	// treated as the complete answer.
	server := sseUpstream(t, deltaFrame("docker ")+deltaFrame("ps"), nil)
	defer server.Close()

	orch, st := newPipeline(t, server.URL)
	sink := &captureSink{}

	if err := orch.Stream(context.Background(), Request{Question: "q"}, sink); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if sink.fullText != "docker ps" {
		t.Errorf("fullAnswer = %q, want truncated text committed", sink.fullText)
	}
	history, _ := st.History()
	if len(history) != 1 || history[0].Answer != "docker ps" {
		t.Errorf("history = %+v, want one truncated exchange", history)
	}
}

func TestStreamUpstreamFailureCommitsNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"message": "boom"}}`))
	}))
	defer server.Close()

	orch, st := newPipeline(t, server.URL)
	sink := &captureSink{}

	err := orch.Stream(context.Background(), Request{Question: "q"}, sink)
	var upErr *upstream.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Stream error = %v, want *UpstreamError", err)
	}
	if len(sink.deltas) != 0 || sink.done {
		t.Error("sink received output from a failed stream")
	}
	assertNothingCommitted(t, st)
}

func TestStreamSinkFailureStopsAndCommitsNothing(t *testing.T) {
	server := sseUpstream(t, deltaFrame("ls")+deltaFrame(" -la")+"data: [DONE]\n\n", nil)
	defer server.Close()

	orch, st := newPipeline(t, server.URL)
	sinkErr := errors.New("client disconnected")
	sink := &captureSink{deltaErr: sinkErr}

	err := orch.Stream(context.Background(), Request{Question: "q"}, sink)
	if !errors.Is(err, sinkErr) {
		t.Errorf("Stream error = %v, want sink error", err)
	}
	if sink.done {
		t.Error("done delivered after sink failure")
	}
	assertNothingCommitted(t, st)
}

func TestStreamContextCancelled(t *testing.T) {
	server := sseUpstream(t, deltaFrame("ls")+"data: [DONE]\n\n", nil)
	defer server.Close()

	orch, st := newPipeline(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := orch.Stream(ctx, Request{Question: "q"}, &captureSink{})
	if err == nil {
		t.Fatal("Stream with cancelled context = nil error")
	}
	assertNothingCommitted(t, st)
}

// =============================================================================
// BUFFERED TESTS
// =============================================================================

func TestAskCommits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "test-id",
			"choices": [{"message": {"role": "assistant", "content": "uptime"}, "finish_reason": "stop"}]
		}`))
	}))
	defer server.Close()

	orch, st := newPipeline(t, server.URL)

	ex, err := orch.Ask(context.Background(), Request{Question: "how long has this box been up", Mode: upstream.ModeCertain})
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if ex == nil || ex.Answer != "uptime" {
		t.Fatalf("exchange = %+v, want committed uptime answer", ex)
	}
	if ex.Mode != "certain" {
		t.Errorf("mode = %q, want certain", ex.Mode)
	}
	if ex.ID == "" || ex.Timestamp.IsZero() {
		t.Error("exchange missing identity fields")
	}

	entries, _ := st.Leaderboard()
	if len(entries) != 1 || entries[0].Command != "uptime" {
		t.Errorf("leaderboard = %+v", entries)
	}
}

func TestAskEmptyQuestionRejected(t *testing.T) {
	orch, _ := newPipeline(t, "http://127.0.0.1:0")

	if _, err := orch.Ask(context.Background(), Request{Question: ""}); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("Ask error = %v, want ErrEmptyQuestion", err)
	}
}

func TestAskEmptyAnswerSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "test-id", "choices": []}`))
	}))
	defer server.Close()

	orch, st := newPipeline(t, server.URL)

	_, err := orch.Ask(context.Background(), Request{Question: "q"})
	if !errors.Is(err, upstream.ErrEmptyCompletion) {
		t.Errorf("Ask error = %v, want ErrEmptyCompletion", err)
	}
	assertNothingCommitted(t, st)
}

// =============================================================================
// HELPERS
// =============================================================================

func assertNothingCommitted(t *testing.T, st *store.Store) {
	t.Helper()
	history, err := st.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history = %+v, want empty", history)
	}
	entries, err := st.Leaderboard()
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("leaderboard = %+v, want empty", entries)
	}
}
