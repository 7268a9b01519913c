// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package query

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/kiraTheresa/AI-command-line-query-tool/internal/leaderboard"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/sse"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/store"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/upstream"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// DefaultMaxStreamDuration bounds a single streaming query. The upstream
// transport carries no timeout of its own for streams, so the
// orchestrator enforces an explicit maximum wait.
const DefaultMaxStreamDuration = 5 * time.Minute

// ErrEmptyQuestion indicates a missing or blank question. It is rejected
// before any upstream traffic is generated.
var ErrEmptyQuestion = errors.New("question is required")

// =============================================================================
// REQUEST
// =============================================================================

// Request is one validated query from the request boundary.
type Request struct {
	Question    string
	Environment string
	Mode        upstream.Mode
}

// Validate checks the request before it may touch the upstream client.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return ErrEmptyQuestion
	}
	if !r.Mode.Valid() {
		r.Mode = upstream.ModeQuery
	}
	return nil
}

// =============================================================================
// SINK
// =============================================================================

// StreamSink receives the live output of one streaming query. Delta is
// called once per content fragment in upstream order; exactly one of the
// two outcomes follows: Done on clean completion (exchange is nil when
// the answer was empty and nothing was committed), or the error returned
// by Stream. A non-nil error from Delta stops the stream; it means the
// consumer is gone.
type StreamSink interface {
	Delta(content string) error
	Done(ex *store.Exchange, fullAnswer string) error
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator composes the upstream client, the SSE decoder, the record
// store and the leaderboard ranker into the query pipeline.
type Orchestrator struct {
	client *upstream.Client
	store  *store.Store
	ranker *leaderboard.Ranker

	maxStreamDuration time.Duration
}

// New creates an orchestrator over the given collaborators.
func New(client *upstream.Client, st *store.Store, ranker *leaderboard.Ranker) *Orchestrator {
	return &Orchestrator{
		client:            client,
		store:             st,
		ranker:            ranker,
		maxStreamDuration: DefaultMaxStreamDuration,
	}
}

// IsConfigured reports whether the upstream client has a credential.
func (o *Orchestrator) IsConfigured() bool {
	return o.client != nil && o.client.IsConfigured()
}

// WithMaxStreamDuration overrides the streaming time cap.
func (o *Orchestrator) WithMaxStreamDuration(d time.Duration) *Orchestrator {
	if d > 0 {
		o.maxStreamDuration = d
	}
	return o
}

// =============================================================================
// STREAMING QUERY
// =============================================================================

// Stream runs one streaming query end to end. Deltas are forwarded to
// the sink as they arrive; on clean completion the answer is committed
// exactly once and Done is invoked. Any error return means nothing was
// committed, except a persistence failure after the stream finished,
// which is returned even though the content already reached the sink.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink StreamSink) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.maxStreamDuration)
	defer cancel()

	start := time.Now()
	messages := upstream.BuildMessages(req.Question, req.Environment, req.Mode)

	body, err := o.client.Stream(ctx, messages)
	if err != nil {
		return err
	}

	dec := sse.NewDecoder(body)
	// The decoder owns the byte-source handle; this covers every early
	// return below, including caller disconnect.
	defer dec.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := dec.Next()
		if err != nil {
			return err
		}

		switch ev.Type {
		case sse.EventDelta:
			if err := sink.Delta(ev.Content); err != nil {
				return err
			}

		case sse.EventDone:
			ex, err := o.commit(req, ev.Answer)
			if err != nil {
				// The caller already saw the streamed content; the
				// answer is simply lost from history.
				log.Printf("COMMIT_FAILED | mode=%s answer_len=%d error=%v", req.Mode, len(ev.Answer), err)
				return err
			}

			log.Printf("QUERY_COMPLETE | mode=%s answer_len=%d truncated=%t latency=%dms",
				req.Mode, len(ev.Answer), dec.Truncated(), time.Since(start).Milliseconds())
			return sink.Done(ex, ev.Answer)
		}
	}
}

// =============================================================================
// BUFFERED QUERY
// =============================================================================

// Ask runs one non-streaming query and returns the committed exchange.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*store.Exchange, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.maxStreamDuration)
	defer cancel()

	start := time.Now()
	messages := upstream.BuildMessages(req.Question, req.Environment, req.Mode)

	answer, err := o.client.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	ex, err := o.commit(req, answer)
	if err != nil {
		return nil, err
	}

	log.Printf("QUERY_COMPLETE | mode=%s answer_len=%d truncated=false latency=%dms",
		req.Mode, len(answer), time.Since(start).Milliseconds())
	return ex, nil
}

// =============================================================================
// COMMIT
// =============================================================================

// commit persists one finished answer: leaderboard first, then history.
// An empty answer commits nothing and returns a nil exchange.
func (o *Orchestrator) commit(req Request, answer string) (*store.Exchange, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, nil
	}

	if _, err := o.ranker.Record(answer); err != nil {
		return nil, err
	}

	ex := &store.Exchange{
		Question:    req.Question,
		Environment: req.Environment,
		Answer:      answer,
		Mode:        string(req.Mode),
	}
	if err := o.store.AppendExchange(ex); err != nil {
		return nil, err
	}
	return ex, nil
}
