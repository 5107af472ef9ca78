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

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message's content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in one request.
	MaxMessagesPerRequest = 100

	// MaxPreviewTokenBytes bounds the caller-supplied API credential.
	MaxPreviewTokenBytes = 512
)

// Message roles accepted from callers and produced by the handler.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
	RoleTool      = "tool"
)

// =============================================================================
// Validator Setup
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validation for byte-length limits
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes limits string fields to MaxMessageContentBytes bytes.
// The builtin max tag counts runes, which under-counts multi-byte text.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Message Types
// =============================================================================

// FunctionCall is a model's request to invoke a declared function.
//
// ID is set when the provider issued the call through its tool-call
// interface; it links the call to the function-result message that answers it.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name" validate:"required,max=64"`
	Arguments string `json:"arguments" validate:"maxbytes"`
}

// ChatMessage is one entry of a conversation.
//
// Function-result messages carry the function's output in Content and
// name the function in Name. ToolCallID links them to the FunctionCall
// that produced them.
type ChatMessage struct {
	Role         string        `json:"role" validate:"required,oneof=system user assistant function tool"`
	Content      string        `json:"content" validate:"maxbytes"`
	Name         string        `json:"name,omitempty" validate:"max=64"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty" validate:"max=128"`
}

// =============================================================================
// Request Types
// =============================================================================

// ChatRequest is the body of POST /api/chat.
//
// # Fields
//
//   - Messages: Conversation history, oldest first. 1 to 100 entries.
//   - PreviewToken: Optional model provider API key used for this request
//     instead of the server's key.
type ChatRequest struct {
	Messages     []ChatMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	PreviewToken string        `json:"previewToken,omitempty" validate:"max=512"`
}

// Validate checks the request against its validation tags.
//
// # Outputs
//
//   - error: validator.ValidationErrors describing every failing field, or nil
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// CloneMessages returns a copy of msgs that shares no FunctionCall pointers.
//
// The handler derives several message sequences from the caller's input.
// Cloning keeps the caller's slice immutable for the whole request.
func CloneMessages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.FunctionCall != nil {
			fc := *m.FunctionCall
			out[i].FunctionCall = &fc
		}
	}
	return out
}
