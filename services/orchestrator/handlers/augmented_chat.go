// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the chat service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/AleutianAI/HandbookChat/services/llm"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/middleware"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/observability"
	"github.com/AleutianAI/HandbookChat/services/search"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHeartbeatInterval is the SSE keepalive period. It stays well under
// the 60s idle timeout of common load balancers.
const DefaultHeartbeatInterval = 15 * time.Second

// ChatHandlerConfig configures the augmented chat handler.
type ChatHandlerConfig struct {
	// Credentials are used for model calls when the request carries no
	// previewToken.
	Credentials llm.Credentials

	// HeartbeatInterval is the SSE keepalive period. Zero uses
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// AugmentedChatHandler serves POST /api/chat.
type AugmentedChatHandler interface {
	// HandleChat authenticates the caller, augments the conversation into a
	// search query, and streams the model's answer.
	//
	// # Responses
	//
	//   - 401 "Unauthorized": no session, nothing else is done
	//   - 400 {"error": ...}: malformed or invalid body
	//   - 500 "Internal Server Error": failure before the first token
	//   - 200 text/plain or text/event-stream: the token stream
	HandleChat(c *gin.Context)
}

type augmentedChatHandler struct {
	client    llm.ChatClient
	searcher  search.Searcher
	cfg       ChatHandlerConfig
	opts      extensions.ServiceOptions
	tracer    trace.Tracer
	heartbeat time.Duration
}

// NewAugmentedChatHandler creates the handler.
//
// # Inputs
//
//   - client: Model client. Must not be nil.
//   - searcher: Handbook search client. Must not be nil.
//   - cfg: Default credentials and heartbeat period.
//   - opts: Audit logger. Zero values are replaced with no-op implementations.
//
// # Limitations
//
//   - Panics on nil client or searcher
func NewAugmentedChatHandler(
	client llm.ChatClient,
	searcher search.Searcher,
	cfg ChatHandlerConfig,
	opts extensions.ServiceOptions,
) AugmentedChatHandler {
	if client == nil {
		panic("NewAugmentedChatHandler: client must not be nil")
	}
	if searcher == nil {
		panic("NewAugmentedChatHandler: searcher must not be nil")
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	return &augmentedChatHandler{
		client:    client,
		searcher:  searcher,
		cfg:       cfg,
		opts:      opts.Normalize(),
		tracer:    otel.Tracer("handbookchat.handlers.chat"),
		heartbeat: heartbeat,
	}
}

func (h *augmentedChatHandler) HandleChat(c *gin.Context) {
	requestID := uuid.New().String()
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	metrics := observability.DefaultMetrics
	recordOutcome := func(outcome observability.Outcome) {
		if metrics != nil {
			metrics.RecordRequest(outcome)
		}
	}

	// Step 1: Session check before anything else is touched.
	session := middleware.GetAuthInfo(c)
	accept := c.GetHeader("Accept")
	out, err := NewTokenWriter(c.Writer, accept)
	if err != nil {
		// Only a ResponseWriter without http.Flusher gets here.
		span.RecordError(err)
		slog.Warn("SSE not supported by writer, falling back to plain text",
			"request_id", requestID,
			"error", err,
		)
		out = NewPlainTextWriter(c.Writer)
	}
	flow := newChatFlow(requestID, h.client, h.searcher, out, span)

	if err := flow.authenticate(session); err != nil {
		span.SetStatus(codes.Error, "unauthorized")
		slog.Info("Rejected chat request without session", "request_id", requestID)
		recordOutcome(observability.OutcomeUnauthorized)
		h.audit(ctx, extensions.AuditEventChatRejected, "", requestID, "denied", nil)
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}
	span.SetAttributes(attribute.String("user.id", session.UserID))

	// Step 2: Parse and validate the body.
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectBadRequest(c, span, requestID, "invalid request body", err)
		recordOutcome(observability.OutcomeBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectBadRequest(c, span, requestID, "invalid request: validation failed", err)
		recordOutcome(observability.OutcomeBadRequest)
		return
	}

	// Step 3: Per-request credentials. The default is never modified.
	creds := h.cfg.Credentials.WithOverride(req.PreviewToken)
	span.SetAttributes(
		attribute.Int("request.message_count", len(req.Messages)),
		attribute.Bool("request.preview_token", req.PreviewToken != ""),
	)
	slog.Info("Chat request accepted",
		"request_id", requestID,
		"user_id", session.UserID,
		"message_count", len(req.Messages),
		"preview_token", req.PreviewToken != "",
	)
	flow.begin(req.Messages, creds)
	if metrics != nil {
		metrics.StreamStarted()
		defer metrics.StreamEnded()
	}

	// Step 4: Keep SSE connections alive while the model works.
	stopHeartbeat := func() {}
	if wantsEventStream(accept) {
		stopHeartbeat = h.startHeartbeat(ctx, out)
	}

	// Step 5: Run the pipeline. The heartbeat has fully exited before any
	// final write.
	runErr := flow.run(ctx)
	stopHeartbeat()

	span.SetAttributes(
		attribute.String("chat.final_stage", flow.stage.String()),
		attribute.Bool("chat.searched", flow.searchCalled),
	)
	if metrics != nil {
		for pass, n := range flow.tokens {
			metrics.RecordTokens(pass, n)
		}
	}

	if runErr != nil {
		h.handleFlowError(c, span, flow, out, runErr)
		recordOutcome(observability.OutcomeError)
		h.audit(ctx, extensions.AuditEventChatFailed, session.UserID, requestID, "error", map[string]any{
			"stage":    flow.history[len(flow.history)-1].From.String(),
			"searched": flow.searchCalled,
		})
		return
	}

	if err := out.WriteDone(requestID); err != nil {
		slog.Debug("Failed to write done event", "request_id", requestID, "error", err)
	}
	recordOutcome(observability.OutcomeSuccess)
	h.audit(ctx, extensions.AuditEventChatCompleted, session.UserID, requestID, "success", map[string]any{
		"searched":    flow.searchCalled,
		"duration_ms": time.Since(flow.startedAt).Milliseconds(),
	})
	slog.Info("Chat request completed",
		"request_id", requestID,
		"searched", flow.searchCalled,
		"duration_ms", time.Since(flow.startedAt).Milliseconds(),
	)
}

func (h *augmentedChatHandler) rejectBadRequest(c *gin.Context, span trace.Span, requestID, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	slog.Warn("Chat request rejected", "request_id", requestID, "error", err)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(observability.ErrorCodeValidation)
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// handleFlowError answers a failed flow. Before commit the caller gets an
// opaque 500; after commit a plain stream just ends and SSE gets an error
// event.
func (h *augmentedChatHandler) handleFlowError(c *gin.Context, span trace.Span, flow *chatFlow, out TokenWriter, err error) {
	code := flow.errorCode()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(code)
		if code == observability.ErrorCodeClientDisconnect {
			m.RecordClientDisconnect()
		}
	}

	if code == observability.ErrorCodeClientDisconnect {
		slog.Info("Client disconnected during chat",
			"request_id", flow.requestID,
			"error", err,
		)
		return
	}
	slog.Error("Chat pipeline failed",
		"request_id", flow.requestID,
		"code", string(code),
		"error", err,
	)

	if !out.Committed() {
		c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	if writeErr := out.WriteError(sanitizeErrorForClient(err.Error())); writeErr != nil {
		slog.Debug("Failed to write error event", "request_id", flow.requestID, "error", writeErr)
	}
}

// startHeartbeat runs runHeartbeat in a goroutine. The returned stop
// function returns only after the goroutine has exited, so no keepalive is
// written once it returns. stop is safe to call more than once.
func (h *augmentedChatHandler) startHeartbeat(ctx context.Context, writer TokenWriter) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.runHeartbeat(ctx, writer, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

// runHeartbeat sends keepalives every heartbeat period until done closes
// or the request ends. A failed write stops the heartbeat.
func (h *augmentedChatHandler) runHeartbeat(ctx context.Context, writer TokenWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and done can be ready together; done wins.
			select {
			case <-done:
				return
			default:
			}
			if !writer.Committed() {
				continue
			}
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}

func (h *augmentedChatHandler) audit(ctx context.Context, eventType, userID, requestID, outcome string, metadata map[string]any) {
	err := h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		RequestID: requestID,
		Action:    "chat",
		Outcome:   outcome,
		Metadata:  metadata,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Audit log failed", "request_id", requestID, "error", err)
	}
}

// sanitizeErrorForClient hides internal details such as provider messages,
// hostnames and file paths. The full error is only logged.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}
