// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// StreamEventType identifies the kind of an SSE event.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
	StreamEventDone  StreamEventType = "done"
)

// StreamEvent is the JSON payload of one Server-Sent Event.
//
// Id, CreatedAt, Sequence, PrevHash and Hash are assigned by the writer.
// Hash covers the event's fields plus PrevHash, so a client can detect
// dropped or reordered events.
type StreamEvent struct {
	Id        string          `json:"id"`
	Type      StreamEventType `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Sequence  int             `json:"sequence"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Content   string          `json:"content,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestId string          `json:"request_id,omitempty"`
}
