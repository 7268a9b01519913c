// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// doneToken is the literal payload that terminates a stream.
	doneToken = "[DONE]"

	// dataPrefix marks the payload line of a frame.
	dataPrefix = "data:"

	// readBufferSize is the size of each read from the byte source.
	readBufferSize = 4096

	// MaxFrameSize caps a single buffered frame. A frame that grows past
	// this without a separator indicates a broken upstream.
	MaxFrameSize = 1024 * 1024
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType identifies the kind of decoded event.
type EventType int

const (
	// EventDelta carries one incremental content fragment.
	EventDelta EventType = iota

	// EventDone is the terminal event carrying the full answer.
	EventDone
)

// Event is one decoded stream event.
type Event struct {
	Type EventType

	// Content is the delta text. Set only for EventDelta.
	Content string

	// Answer is the concatenated full answer. Set only for EventDone.
	Answer string
}

// deltaChunk mirrors the provider's streaming payload at the delta path
// choices[0].delta.content. Unknown fields are ignored.
type deltaChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *deltaChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder incrementally decodes an SSE completion stream.
//
// A Decoder is single-use and not safe for concurrent use; it belongs to
// exactly one query.
type Decoder struct {
	body io.ReadCloser
	buf  []byte

	// remainder holds bytes from a frame the source has not finished
	// delivering yet.
	remainder []byte

	answer     strings.Builder
	terminated bool // saw [DONE]
	truncated  bool // source closed without [DONE]
	eofSeen    bool // byte source is exhausted
	finished   bool // done event already emitted
	closed     bool
}

// NewDecoder wraps a live byte-stream handle. The decoder takes ownership
// of the handle; Close releases it.
func NewDecoder(body io.ReadCloser) *Decoder {
	return &Decoder{
		body: body,
		buf:  make([]byte, readBufferSize),
	}
}

// Next returns the next decoded event. Events arrive in upstream order:
// zero or more EventDelta, then exactly one EventDone. After the done
// event, Next returns io.EOF. A read failure other than end-of-stream is
// returned as a terminal error.
func (d *Decoder) Next() (Event, error) {
	if d.finished {
		return Event{}, io.EOF
	}
	if d.eofSeen {
		return d.finish(), nil
	}

	for {
		// Drain complete frames already buffered before reading again.
		for {
			frame, rest, ok := splitFrame(d.remainder)
			if !ok {
				break
			}
			d.remainder = rest

			ev, ok := d.processFrame(frame)
			if ok {
				return ev, nil
			}
		}

		if len(d.remainder) > MaxFrameSize {
			d.Close()
			return Event{}, fmt.Errorf("sse: frame exceeds %d bytes without separator", MaxFrameSize)
		}

		n, err := d.body.Read(d.buf)
		if n > 0 {
			d.remainder = append(d.remainder, d.buf[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			d.eofSeen = true
			// A trailing frame may sit in the remainder without its
			// blank-line terminator; give it one chance to contribute
			// before the stream completes.
			if len(d.remainder) > 0 {
				frame := d.remainder
				d.remainder = nil
				if ev, ok := d.processFrame(frame); ok {
					return ev, nil
				}
			}
			return d.finish(), nil
		}
		d.Close()
		return Event{}, fmt.Errorf("sse: read failed: %w", err)
	}
}

// processFrame handles one complete frame. It returns an event and true
// when the frame produced output; blank, comment and malformed frames
// return false and the stream continues.
func (d *Decoder) processFrame(frame []byte) (Event, bool) {
	payload, ok := framePayload(frame)
	if !ok {
		return Event{}, false
	}

	if payload == doneToken {
		d.terminated = true
		d.finished = true
		d.Close()
		return Event{Type: EventDone, Answer: d.answer.String()}, true
	}

	var chunk deltaChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Malformed frames must not abort the stream.
		log.Printf("SSE_MALFORMED_FRAME | len=%d error=%v", len(payload), err)
		return Event{}, false
	}

	delta := chunk.content()
	if delta == "" {
		return Event{}, false
	}

	d.answer.WriteString(delta)
	return Event{Type: EventDelta, Content: delta}, true
}

// finish implements the truncation policy: a source that closes without
// [DONE] still completes with whatever was accumulated.
func (d *Decoder) finish() Event {
	d.truncated = true
	d.finished = true
	d.Close()
	return Event{Type: EventDone, Answer: d.answer.String()}
}

// Answer returns the text accumulated so far.
func (d *Decoder) Answer() string {
	return d.answer.String()
}

// Terminated reports whether the stream ended with an explicit [DONE].
func (d *Decoder) Terminated() bool {
	return d.terminated
}

// Truncated reports whether the source closed before [DONE] arrived.
func (d *Decoder) Truncated() bool {
	return d.truncated
}

// Close releases the underlying byte source. Safe to call more than once
// and after Next returned io.EOF.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.body.Close()
}

// =============================================================================
// FRAME PARSING
// =============================================================================

// splitFrame extracts the first complete frame from data. A frame ends at
// a blank line; both LF and CRLF separators are accepted. Returns the
// frame, the remaining bytes, and whether a complete frame was found.
func splitFrame(data []byte) (frame, rest []byte, ok bool) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))

	switch {
	case lf == -1 && crlf == -1:
		return nil, data, false
	case crlf == -1 || (lf != -1 && lf < crlf):
		return data[:lf], data[lf+2:], true
	default:
		return data[:crlf], data[crlf+4:], true
	}
}

// framePayload locates the data line of a frame and returns its payload.
// Blank frames, comment lines (leading ':') and frames without a data
// line yield ok=false.
func framePayload(frame []byte) (payload string, ok bool) {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		p := bytes.TrimPrefix(line, []byte(dataPrefix))
		if len(p) > 0 && p[0] == ' ' {
			p = p[1:]
		}
		return string(p), true
	}
	return "", false
}
