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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nonFlushingWriter hides httptest.ResponseRecorder's Flush method.
type nonFlushingWriter struct {
	http.ResponseWriter
}

func TestWantsEventStream(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"*/*", false},
		{"text/plain", false},
		{"text/event-stream", true},
		{"TEXT/EVENT-STREAM", true},
		{"application/json, text/event-stream;q=0.9", true},
		{"text/event-streaming", false},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			assert.Equal(t, tt.want, wantsEventStream(tt.accept))
		})
	}
}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(nonFlushingWriter{httptest.NewRecorder()})
	assert.Error(t, err)

	w, err := NewTokenWriter(httptest.NewRecorder(), "text/event-stream")
	require.NoError(t, err)
	assert.IsType(t, &sseWriter{}, w)

	w, err = NewTokenWriter(httptest.NewRecorder(), "")
	require.NoError(t, err)
	assert.IsType(t, &plainTextWriter{}, w)
}

// =============================================================================
// Plain text writer
// =============================================================================

func TestPlainTextWriter_LazyCommit(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewPlainTextWriter(rec)

	assert.False(t, w.Committed())
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteError("ignored"))
	assert.False(t, w.Committed(), "keepalive and error never commit a plain stream")

	require.NoError(t, w.WriteToken("Hello"))
	require.NoError(t, w.WriteToken(", world"))
	require.NoError(t, w.WriteDone("req-1"))

	assert.True(t, w.Committed())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Hello, world", rec.Body.String())
}

func TestPlainTextWriter_DoneCommitsEmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewPlainTextWriter(nonFlushingWriter{rec})

	require.NoError(t, w.WriteDone("req-1"))

	assert.True(t, w.Committed())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

// =============================================================================
// SSE writer
// =============================================================================

func TestSSEWriter_FramingAndHashChain(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteToken("Hel"))
	require.NoError(t, w.WriteToken("lo"))
	require.NoError(t, w.WriteDone("req-9"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "event: token\ndata: {"))

	events := parseSSEEvents(t, rec.Body.String())
	require.Len(t, events, 3)

	var payloads []datatypes.StreamEvent
	for _, e := range events {
		var p datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(e.Data), &p))
		assert.Equal(t, string(p.Type), e.Event)
		assert.NotEmpty(t, p.Id)
		assert.NotZero(t, p.CreatedAt)
		assert.Equal(t, computeEventHash(datatypes.StreamEvent{
			Id: p.Id, Type: p.Type, CreatedAt: p.CreatedAt, Sequence: p.Sequence,
			PrevHash: p.PrevHash, Content: p.Content, Error: p.Error, RequestId: p.RequestId,
		}), p.Hash, "hash covers the event fields")
		payloads = append(payloads, p)
	}

	assert.Empty(t, payloads[0].PrevHash)
	assert.Equal(t, payloads[0].Hash, payloads[1].PrevHash)
	assert.Equal(t, payloads[1].Hash, payloads[2].PrevHash)
	assert.Equal(t, []int{0, 1, 2}, []int{payloads[0].Sequence, payloads[1].Sequence, payloads[2].Sequence})
	assert.Equal(t, "req-9", payloads[2].RequestId)
}

func TestSSEWriter_KeepAliveOnlyAfterCommit(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteKeepAlive())
	assert.False(t, w.Committed())
	assert.Empty(t, rec.Body.String())

	require.NoError(t, w.WriteToken("x"))
	require.NoError(t, w.WriteKeepAlive())
	assert.True(t, strings.HasSuffix(rec.Body.String(), ": ping\n\n"))
}

func TestSSEWriter_ConcurrentWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteToken("start"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = w.WriteToken("t")
		}()
		go func() {
			defer wg.Done()
			_ = w.WriteKeepAlive()
		}()
	}
	wg.Wait()

	events := parseSSEEvents(t, rec.Body.String())
	assert.Len(t, events, 21)
}
