// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai/jsonschema"
)

var (
	// ErrMissingAPIKey is returned before any network I/O when a call has no credential.
	ErrMissingAPIKey = errors.New("model provider API key is empty")

	// ErrNoChoices is returned when the provider answers without any choice.
	ErrNoChoices = errors.New("model provider returned no choices")
)

// Credentials authenticates a single model provider call.
//
// Credentials are passed explicitly on every call; clients never store them.
// This keeps concurrent requests with different keys fully independent.
type Credentials struct {
	APIKey string
}

// WithOverride returns credentials for token when it is non-empty, and c otherwise.
func (c Credentials) WithOverride(token string) Credentials {
	if token == "" {
		return c
	}
	return Credentials{APIKey: token}
}

// Fingerprint returns a log-safe identifier for the key: its last four
// characters, or "none" when empty.
func (c Credentials) Fingerprint() string {
	switch n := len(c.APIKey); {
	case n == 0:
		return "none"
	case n <= 8:
		return "****"
	default:
		return "****" + c.APIKey[n-4:]
	}
}

// FunctionDefinition declares a function the model may call.
type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
}

// GenerationParams holds the optional sampling settings of a call.
// Nil fields use the provider's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`

	// Functions are declared to the model on streamed calls. Empty
	// means the model cannot call functions.
	Functions []FunctionDefinition `json:"-"`
}

// Float32 returns a pointer to v, for GenerationParams literals.
func Float32(v float32) *float32 {
	return &v
}

// StreamEventType identifies the kind of a streamed event.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of generated text.
	StreamEventToken StreamEventType = "token"
)

// StreamEvent is one event delivered to a StreamCallback.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives streamed events in order. Returning an error
// aborts the stream and Stream returns that error wrapped.
type StreamCallback func(event StreamEvent) error

// ChatClient is a chat-completion model provider.
//
// Implementations must be safe for concurrent use; all per-request state,
// including credentials, arrives through the arguments.
type ChatClient interface {
	// Complete performs a non-streamed completion and returns the first
	// choice's text.
	Complete(ctx context.Context, creds Credentials, messages []datatypes.ChatMessage, params GenerationParams) (string, error)

	// Stream performs a streamed completion. Text fragments are delivered
	// to callback as they arrive. If the model called one of
	// params.Functions, the assembled call is returned; otherwise the
	// returned call is nil.
	Stream(ctx context.Context, creds Credentials, messages []datatypes.ChatMessage, params GenerationParams, callback StreamCallback) (*datatypes.FunctionCall, error)
}
