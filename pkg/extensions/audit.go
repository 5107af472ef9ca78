// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types emitted by the chat handler.
const (
	AuditEventChatRejected  = "chat.rejected"
	AuditEventChatCompleted = "chat.completed"
	AuditEventChatFailed    = "chat.failed"
)

// AuditEvent records a security-relevant action.
//
// Events carry identifiers and outcomes only. Message content, preview
// tokens and search payloads are never placed in an event.
type AuditEvent struct {
	// EventType is one of the AuditEvent* constants.
	EventType string

	// Timestamp is when the event occurred. Zero means "now".
	Timestamp time.Time

	// UserID is the authenticated user, empty for rejected requests.
	UserID string

	// RequestID correlates the event with logs and traces.
	RequestID string

	// Action is the operation attempted, for example "chat".
	Action string

	// Outcome is "success", "denied" or "error".
	Outcome string

	// Metadata holds event-specific attributes such as the final stage.
	Metadata map[string]any
}

// AuditLogger receives audit events.
//
// Implementations must be safe for concurrent use and must not block the
// request path for long; Log is called synchronously by handlers.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// SlogAuditLogger writes audit events as structured log records.
//
// Every record has the message "audit" and an "audit" attribute group, so
// a log pipeline can route them separately from operational logs.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger on top of logger.
// A nil logger uses slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes the event at info level.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("request_id", event.RequestID),
		slog.String("action", event.Action),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}

	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
