// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// TokenWriter
// =============================================================================

// TokenWriter relays one token stream to the HTTP caller.
//
// # Description
//
// Headers and the 200 status are committed lazily on the first write, so a
// failure before any token is produced can still be answered with a plain
// 500. Once Committed reports true the status can no longer change.
//
// # Implementations
//
//   - plainTextWriter: raw text chunks, the default
//   - sseWriter: Server-Sent Events with a hash chain
//
// # Thread Safety
//
// All methods are safe for concurrent use. The heartbeat goroutine writes
// keepalives while the handler writes tokens.
type TokenWriter interface {
	// WriteToken relays one fragment of generated text.
	WriteToken(content string) error

	// WriteError reports a failure after the stream is committed. Writers
	// without an error channel ignore it.
	WriteError(errMsg string) error

	// WriteDone ends the stream. It commits an empty 200 when nothing was
	// written yet.
	WriteDone(requestID string) error

	// WriteKeepAlive keeps an idle committed stream open. It is a no-op
	// before commit.
	WriteKeepAlive() error

	// Committed reports whether the status line has been sent.
	Committed() bool
}

// wantsEventStream reports whether the Accept header asks for SSE.
func wantsEventStream(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/event-stream") {
			return true
		}
	}
	return false
}

// NewTokenWriter picks the writer for the caller's Accept header.
func NewTokenWriter(w http.ResponseWriter, accept string) (TokenWriter, error) {
	if wantsEventStream(accept) {
		return NewSSEWriter(w)
	}
	return NewPlainTextWriter(w), nil
}

// =============================================================================
// Plain text
// =============================================================================

type plainTextWriter struct {
	writer    http.ResponseWriter
	flusher   http.Flusher
	committed bool
	mu        sync.Mutex
}

// NewPlainTextWriter streams tokens as text/plain. Flushing is used when the
// ResponseWriter supports it.
func NewPlainTextWriter(w http.ResponseWriter) TokenWriter {
	flusher, _ := w.(http.Flusher)
	return &plainTextWriter{writer: w, flusher: flusher}
}

func (w *plainTextWriter) commitLocked() {
	if w.committed {
		return
	}
	h := w.writer.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.writer.WriteHeader(http.StatusOK)
	w.committed = true
}

func (w *plainTextWriter) WriteToken(content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.commitLocked()
	if _, err := w.writer.Write([]byte(content)); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteError is a no-op: a plain stream just ends.
func (w *plainTextWriter) WriteError(string) error {
	return nil
}

func (w *plainTextWriter) WriteDone(string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.commitLocked()
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func (w *plainTextWriter) WriteKeepAlive() error {
	return nil
}

func (w *plainTextWriter) Committed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// =============================================================================
// Server-Sent Events
// =============================================================================

// sseWriter emits hash-chained events.
//
// # Wire Format
//
//	event: token
//	data: {"id":"...","type":"token","created_at":1735000000000,"sequence":0,"hash":"...","content":"Hello"}
//
// Each event's Hash is sha256 over its fields and the previous event's Hash,
// so a client can detect dropped or reordered events.
type sseWriter struct {
	writer    http.ResponseWriter
	flusher   http.Flusher
	prevHash  string
	sequence  int
	committed bool
	mu        sync.Mutex
}

// NewSSEWriter creates an SSE writer. The ResponseWriter must implement
// http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (TokenWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) commitLocked() {
	if w.committed {
		return
	}
	SetSSEHeaders(w.writer)
	w.writer.WriteHeader(http.StatusOK)
	w.committed = true
}

func (w *sseWriter) writeEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.commitLocked()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.Sequence = w.sequence
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()

	w.prevHash = event.Hash
	w.sequence++
	return nil
}

func computeEventHash(event datatypes.StreamEvent) string {
	hashInput := fmt.Sprintf("%s|%s|%d|%d|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.Sequence,
		event.PrevHash,
		event.Content,
		event.Error,
		event.RequestId,
	)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteToken(content string) error {
	return w.writeEvent(datatypes.StreamEvent{
		Type:    datatypes.StreamEventToken,
		Content: content,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeEvent(datatypes.StreamEvent{
		Type:  datatypes.StreamEventError,
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(requestID string) error {
	return w.writeEvent(datatypes.StreamEvent{
		Type:      datatypes.StreamEventDone,
		RequestId: requestID,
	})
}

// WriteKeepAlive sends an SSE comment, which clients ignore.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.committed {
		return nil
	}
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Committed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// SetSSEHeaders sets the headers required for Server-Sent Events.
// X-Accel-Buffering disables nginx proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var (
	_ TokenWriter = (*sseWriter)(nil)
	_ TokenWriter = (*plainTextWriter)(nil)
)
