// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP request boundary for the query tool.
//
// Endpoints:
//   - POST /api/query       - Ask a question (SSE stream or buffered JSON)
//   - GET  /api/history     - Full exchange history
//   - POST /api/history     - Manually append an exchange
//   - GET  /api/leaderboard - Command usage leaderboard
//   - GET  /health          - Health check
//   - GET  /stats           - Usage statistics
//
// POST /api/query streams by default. A request with "stream": false or
// an Accept: application/json header gets the committed exchange as a
// single JSON object instead.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiraTheresa/AI-command-line-query-tool/internal/leaderboard"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/query"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/store"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/upstream"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 3000

	// MaxQuestionLength is the maximum length for a question to prevent DoS.
	MaxQuestionLength = 10000

	// MaxEnvironmentLength is the maximum length for the environment string.
	MaxEnvironmentLength = 1000

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the server version.
	Version = "1.0.0"
)

// genericUpstreamError is what clients see when the upstream call fails.
// Full details are logged server-side only.
const genericUpstreamError = "Failed to get command. Please try again."

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks server usage statistics.
type ServerStats struct {
	TotalQueries     int64     `json:"total_queries"`
	StreamedQueries  int64     `json:"streamed_queries"`
	BufferedQueries  int64     `json:"buffered_queries"`
	FailedQueries    int64     `json:"failed_queries"`
	CommittedAnswers int64     `json:"committed_answers"`
	StartTime        time.Time `json:"start_time"`
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{
		StartTime: time.Now(),
	}
}

// RecordQuery records one finished query.
func (s *ServerStats) RecordQuery(streamed, committed bool, err error) {
	atomic.AddInt64(&s.TotalQueries, 1)
	if streamed {
		atomic.AddInt64(&s.StreamedQueries, 1)
	} else {
		atomic.AddInt64(&s.BufferedQueries, 1)
	}
	if err != nil {
		atomic.AddInt64(&s.FailedQueries, 1)
	}
	if committed {
		atomic.AddInt64(&s.CommittedAnswers, 1)
	}
}

// GetStats returns a copy of the current stats.
func (s *ServerStats) GetStats() ServerStats {
	return ServerStats{
		TotalQueries:     atomic.LoadInt64(&s.TotalQueries),
		StreamedQueries:  atomic.LoadInt64(&s.StreamedQueries),
		BufferedQueries:  atomic.LoadInt64(&s.BufferedQueries),
		FailedQueries:    atomic.LoadInt64(&s.FailedQueries),
		CommittedAnswers: atomic.LoadInt64(&s.CommittedAnswers),
		StartTime:        s.StartTime,
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP request boundary in front of the query orchestrator.
type Server struct {
	port   int
	router *http.ServeMux
	server *http.Server

	orchestrator *query.Orchestrator
	store        *store.Store
	ranker       *leaderboard.Ranker
	stats        *ServerStats
	auth         *AuthConfig
	cors         *CORSConfig
	defaultMode  upstream.Mode

	mu sync.RWMutex
}

// NewServer creates a new Server with the specified port.
// If port is 0, the default port (3000) is used.
func NewServer(port int, orch *query.Orchestrator, st *store.Store, ranker *leaderboard.Ranker) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		port:         port,
		router:       http.NewServeMux(),
		orchestrator: orch,
		store:        st,
		ranker:       ranker,
		stats:        NewServerStats(),
		auth:         DefaultAuthConfig(),
		cors:         DefaultCORSConfig(),
		defaultMode:  upstream.ModeQuery,
	}

	s.setupRoutes()
	return s
}

// SetOrchestrator swaps the orchestrator, e.g. after a config reload
// changed the upstream credentials. In-flight queries keep the old one.
func (s *Server) SetOrchestrator(orch *query.Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orchestrator = orch
}

// orch returns the current orchestrator.
func (s *Server) orch() *query.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orchestrator
}

// WithAuth sets the authentication configuration.
func (s *Server) WithAuth(config *AuthConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = config
	return s
}

// WithDefaultMode sets the mode used when a query omits one.
func (s *Server) WithDefaultMode(mode upstream.Mode) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode.Valid() {
		s.defaultMode = mode
	}
	return s
}

// WithCORS sets the CORS configuration.
func (s *Server) WithCORS(config *CORSConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cors = config
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the fully wired handler, including the middleware chain.
func (s *Server) Handler() http.Handler {
	handler := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(s.cors),
		RateLimitMiddleware(DefaultRateLimiter()),
	)(s.router)

	if s.auth != nil && s.auth.Enabled {
		handler = AuthMiddleware(s.auth)(handler)
	}

	return handler
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/query", s.handleQuery)
	s.router.HandleFunc("GET /api/history", s.handleHistory)
	s.router.HandleFunc("POST /api/history", s.handleAppendHistory)
	s.router.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// ============================================================================
// REQUEST TYPES
// ============================================================================

// QueryRequest is the POST /api/query request body.
type QueryRequest struct {
	Question    string `json:"question"`
	Environment string `json:"environment"`
	Mode        string `json:"mode,omitempty"`
	Stream      *bool  `json:"stream,omitempty"`
}

// wantsStream reports whether the caller asked for an SSE response.
// Streaming is the default; "stream": false or Accept: application/json
// selects the buffered path.
func (q *QueryRequest) wantsStream(r *http.Request) bool {
	if q.Stream != nil {
		return *q.Stream
	}
	return !strings.Contains(r.Header.Get("Accept"), "application/json")
}

// ============================================================================
// QUERY HANDLER
// ============================================================================

// handleQuery handles POST /api/query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return
		}
		log.Printf("INVALID_REQUEST_BODY | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, "Question is required")
		return
	}
	if len(req.Question) > MaxQuestionLength {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Question exceeds maximum length of %d", MaxQuestionLength))
		return
	}
	if len(req.Environment) > MaxEnvironmentLength {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Environment exceeds maximum length of %d", MaxEnvironmentLength))
		return
	}

	mode := s.defaultMode
	if req.Mode != "" {
		mode = upstream.ParseMode(req.Mode)
	}

	qr := query.Request{
		Question:    req.Question,
		Environment: req.Environment,
		Mode:        mode,
	}

	if req.wantsStream(r) {
		s.handleStreamingQuery(w, r, qr)
	} else {
		s.handleBufferedQuery(w, r, qr)
	}
}

// handleBufferedQuery runs the full pipeline and returns the committed
// exchange as a single JSON object.
func (s *Server) handleBufferedQuery(w http.ResponseWriter, r *http.Request, req query.Request) {
	ex, err := s.orch().Ask(r.Context(), req)
	s.stats.RecordQuery(false, ex != nil, err)

	if err != nil {
		log.Printf("QUERY_ERROR | mode=%s question=%s error=%v",
			req.Mode, util.TruncateString(req.Question, 50), err)
		s.writeError(w, http.StatusInternalServerError, genericUpstreamError)
		return
	}

	s.writeJSON(w, http.StatusOK, ex)
}

// handleStreamingQuery runs the pipeline and relays deltas to the client
// over SSE using the message/done/error event wire.
func (s *Server) handleStreamingQuery(w http.ResponseWriter, r *http.Request, req query.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	err := s.orch().Stream(r.Context(), req, sink)
	s.stats.RecordQuery(true, sink.committed, err)

	if err != nil {
		log.Printf("QUERY_ERROR | mode=%s question=%s error=%v",
			req.Mode, util.TruncateString(req.Question, 50), err)

		// The client may already be gone; a failed write here is fine.
		if !sink.terminated {
			sink.sendEvent("error", map[string]string{"error": genericUpstreamError})
		}
	}
}

// ============================================================================
// SSE SINK
// ============================================================================

// sseSink adapts an http.ResponseWriter into a query.StreamSink, writing
// the message/done/error event wire. Exactly one terminal event is sent.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	committed  bool
	terminated bool
}

// Delta forwards one content fragment as an SSE message event.
func (s *sseSink) Delta(content string) error {
	return s.sendEvent("message", map[string]string{"content": content})
}

// Done sends the terminal done event carrying the full answer.
func (s *sseSink) Done(ex *store.Exchange, fullAnswer string) error {
	s.committed = ex != nil
	err := s.sendEvent("done", map[string]string{"fullAnswer": fullAnswer})
	s.terminated = true
	return err
}

// sendEvent writes one named SSE event and flushes it to the client.
func (s *sseSink) sendEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	if event == "error" {
		s.terminated = true
	}
	return nil
}

// ============================================================================
// HISTORY HANDLERS
// ============================================================================

// handleHistory handles GET /api/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.History()
	if err != nil {
		log.Printf("HISTORY_READ_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}

	s.writeJSON(w, http.StatusOK, history)
}

// AppendHistoryRequest is the POST /api/history request body.
type AppendHistoryRequest struct {
	Question    string `json:"question"`
	Environment string `json:"environment"`
	Answer      string `json:"answer"`
	Mode        string `json:"mode,omitempty"`
}

// handleAppendHistory handles POST /api/history. It records an exchange
// produced outside the streaming pipeline, e.g. an edited command the
// user actually ran.
func (s *Server) handleAppendHistory(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req AppendHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("INVALID_REQUEST_BODY | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
		s.writeError(w, http.StatusBadRequest, "Question and answer are required")
		return
	}

	mode := upstream.ParseMode(req.Mode)

	ex := &store.Exchange{
		Question:    req.Question,
		Environment: req.Environment,
		Answer:      req.Answer,
		Mode:        string(mode),
	}
	if err := s.store.AppendExchange(ex); err != nil {
		log.Printf("HISTORY_WRITE_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save history")
		return
	}

	if _, err := s.ranker.Record(req.Answer); err != nil {
		log.Printf("LEADERBOARD_WRITE_ERROR | error=%v", err)
	}

	s.writeJSON(w, http.StatusCreated, ex)
}

// ============================================================================
// LEADERBOARD HANDLER
// ============================================================================

// handleLeaderboard handles GET /api/leaderboard.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ranker.Snapshot()
	if err != nil {
		log.Printf("LEADERBOARD_READ_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read leaderboard")
		return
	}

	s.writeJSON(w, http.StatusOK, entries)
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UpstreamStatus string `json:"upstream_status"`
	StoreStatus    string `json:"store_status"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
	}

	if orch := s.orch(); orch != nil && orch.IsConfigured() {
		health.UpstreamStatus = "configured"
	} else {
		health.UpstreamStatus = "not_configured"
		health.Status = "degraded"
	}

	if _, err := s.store.History(); err == nil {
		health.StoreStatus = "ok"
	} else {
		health.StoreStatus = "unavailable"
		health.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// STATS HANDLER
// ============================================================================

// StatsResponse represents the usage statistics response.
type StatsResponse struct {
	TotalQueries     int64 `json:"total_queries"`
	StreamedQueries  int64 `json:"streamed_queries"`
	BufferedQueries  int64 `json:"buffered_queries"`
	FailedQueries    int64 `json:"failed_queries"`
	CommittedAnswers int64 `json:"committed_answers"`
	HistorySize      int   `json:"history_size"`
	LeaderboardSize  int   `json:"leaderboard_size"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.GetStats()

	resp := StatsResponse{
		TotalQueries:     stats.TotalQueries,
		StreamedQueries:  stats.StreamedQueries,
		BufferedQueries:  stats.BufferedQueries,
		FailedQueries:    stats.FailedQueries,
		CommittedAnswers: stats.CommittedAnswers,
		UptimeSeconds:    int64(stats.Uptime().Seconds()),
	}

	if history, err := s.store.History(); err == nil {
		resp.HistorySize = len(history)
	}
	if entries, err := s.ranker.Snapshot(); err == nil {
		resp.LeaderboardSize = len(entries)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,

		// No WriteTimeout: SSE responses stay open for the life of the
		// upstream stream; the orchestrator enforces its own deadline.
		IdleTimeout: 120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
