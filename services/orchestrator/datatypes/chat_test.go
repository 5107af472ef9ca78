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
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// ChatRequest Validation Tests
// =============================================================================

func TestChatRequest_Validate_Success(t *testing.T) {
	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: RoleUser, Content: "How do I request vacation?"},
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestChatRequest_Validate_Table(t *testing.T) {
	user := ChatMessage{Role: RoleUser, Content: "hi"}

	tooMany := make([]ChatMessage, MaxMessagesPerRequest+1)
	for i := range tooMany {
		tooMany[i] = user
	}

	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{"no messages", ChatRequest{}, true},
		{"empty messages", ChatRequest{Messages: []ChatMessage{}}, true},
		{"too many messages", ChatRequest{Messages: tooMany}, true},
		{"exactly max messages", ChatRequest{Messages: tooMany[:MaxMessagesPerRequest]}, false},
		{"unknown role", ChatRequest{Messages: []ChatMessage{{Role: "robot", Content: "x"}}}, true},
		{"missing role", ChatRequest{Messages: []ChatMessage{{Content: "x"}}}, true},
		{"empty content allowed", ChatRequest{Messages: []ChatMessage{{Role: RoleAssistant}}}, false},
		{
			"oversized content",
			ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes+1)}}},
			true,
		},
		{
			"content at byte limit",
			ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes)}}},
			false,
		},
		{
			"preview token",
			ChatRequest{Messages: []ChatMessage{user}, PreviewToken: "sk-preview"},
			false,
		},
		{
			"oversized preview token",
			ChatRequest{Messages: []ChatMessage{user}, PreviewToken: strings.Repeat("k", MaxPreviewTokenBytes+1)},
			true,
		},
		{
			"function call without name",
			ChatRequest{Messages: []ChatMessage{{Role: RoleAssistant, FunctionCall: &FunctionCall{Arguments: "{}"}}}},
			true,
		},
		{
			"function result message",
			ChatRequest{Messages: []ChatMessage{
				user,
				{Role: RoleAssistant, FunctionCall: &FunctionCall{Name: "get_query_params", Arguments: "{}"}},
				{Role: RoleFunction, Name: "get_query_params", Content: `{"list":[]}`},
			}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatRequest_Validate_MultiByteContent(t *testing.T) {
	// 3-byte runes: the byte limit is reached well before the rune count
	content := strings.Repeat("休", MaxMessageContentBytes/3+1)
	req := &ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: content}}}

	if err := req.Validate(); err == nil {
		t.Error("expected error for content over the byte limit")
	}
}

func TestChatRequest_JSONFieldNames(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"hello"}],"previewToken":"sk-123"}`

	var req ChatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.PreviewToken != "sk-123" {
		t.Errorf("PreviewToken = %q, want sk-123", req.PreviewToken)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("unexpected messages: %+v", req.Messages)
	}
}

// =============================================================================
// CloneMessages Tests
// =============================================================================

func TestCloneMessages_DoesNotShareFunctionCalls(t *testing.T) {
	original := []ChatMessage{
		{Role: RoleAssistant, FunctionCall: &FunctionCall{Name: "f", Arguments: "{}"}},
	}

	clone := CloneMessages(original)
	clone[0].FunctionCall.Arguments = `{"changed":true}`
	clone[0].Content = "changed"

	if original[0].FunctionCall.Arguments != "{}" {
		t.Error("clone mutated the original FunctionCall")
	}
	if original[0].Content != "" {
		t.Error("clone mutated the original message")
	}
}

func TestCloneMessages_Empty(t *testing.T) {
	if got := CloneMessages(nil); len(got) != 0 {
		t.Errorf("CloneMessages(nil) = %v, want empty", got)
	}
}
