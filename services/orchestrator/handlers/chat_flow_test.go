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
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/AleutianAI/HandbookChat/services/llm"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlow(client *ScriptedChatClient, searcher *MockSearcher) (*chatFlow, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	return newChatFlow("req-1", client, searcher, NewPlainTextWriter(w), nil), w
}

func stagesOf(history []StageTransition) []Stage {
	stages := make([]Stage, 0, len(history)+1)
	for i, t := range history {
		if i == 0 {
			stages = append(stages, t.From)
		}
		stages = append(stages, t.To)
	}
	return stages
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "start", StageStart.String())
	assert.Equal(t, "function_call", StageFunctionCall.String())
	assert.Equal(t, "failed", StageFailed.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Stage
		to   Stage
		want bool
	}{
		{StageStart, StageAuthenticated, true},
		{StageAuthenticated, StageAugmented, true},
		{StageAugmented, StageStreaming, true},
		{StageStreaming, StageDone, true},
		{StageStreaming, StageFunctionCall, true},
		{StageFunctionCall, StageSearchFetched, true},
		{StageFunctionCall, StageDone, true},
		{StageSearchFetched, StageResultMerged, true},
		{StageResultMerged, StageRestreaming, true},
		{StageRestreaming, StageDone, true},
		{StageAugmented, StageFailed, true},
		{StageRestreaming, StageFailed, true},

		{StageStart, StageAugmented, false},
		{StageAuthenticated, StageStreaming, false},
		{StageStreaming, StageSearchFetched, false},
		{StageSearchFetched, StageRestreaming, false},
		{StageRestreaming, StageStreaming, false},
		{StageDone, StageFailed, false},
		{StageFailed, StageDone, false},
		{StageDone, StageStart, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestChatFlow_AdvanceRejectsIllegalTransition(t *testing.T) {
	flow, _ := newTestFlow(&ScriptedChatClient{}, &MockSearcher{})

	err := flow.advance(StageStreaming)

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StageStart, flow.stage, "stage unchanged after a rejected transition")
	assert.Empty(t, flow.history)
}

func TestChatFlow_Authenticate(t *testing.T) {
	t.Run("nil session fails", func(t *testing.T) {
		flow, _ := newTestFlow(&ScriptedChatClient{}, &MockSearcher{})

		err := flow.authenticate(nil)

		assert.ErrorIs(t, err, errUnauthenticated)
		assert.Equal(t, StageFailed, flow.stage)
	})

	t.Run("valid session", func(t *testing.T) {
		flow, _ := newTestFlow(&ScriptedChatClient{}, &MockSearcher{})

		require.NoError(t, flow.authenticate(&extensions.AuthInfo{UserID: "u"}))
		assert.Equal(t, StageAuthenticated, flow.stage)

		err := flow.authenticate(&extensions.AuthInfo{UserID: "u"})
		assert.ErrorIs(t, err, ErrIllegalTransition, "authenticate only runs from Start")
	})
}

func TestChatFlow_RunRequiresAuthentication(t *testing.T) {
	client := &ScriptedChatClient{CompleteText: testAugmented}
	flow, _ := newTestFlow(client, &MockSearcher{})

	err := flow.run(context.Background())

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Empty(t, client.Calls())
}

func TestChatFlow_Paths(t *testing.T) {
	tests := []struct {
		name       string
		streams    []streamScript
		searchErr  error
		wantStages []Stage
		wantErr    bool
		wantCode   observability.ErrorCode
	}{
		{
			name:    "no function call",
			streams: []streamScript{{Tokens: []string{"a"}}},
			wantStages: []Stage{
				StageStart, StageAuthenticated, StageAugmented, StageStreaming, StageDone,
			},
		},
		{
			name: "function call",
			streams: []streamScript{
				{Call: &datatypes.FunctionCall{Name: GetQueryParamsFunction}},
				{Tokens: []string{"b"}},
			},
			wantStages: []Stage{
				StageStart, StageAuthenticated, StageAugmented, StageStreaming,
				StageFunctionCall, StageSearchFetched, StageResultMerged, StageRestreaming, StageDone,
			},
		},
		{
			name:    "unknown function",
			streams: []streamScript{{Call: &datatypes.FunctionCall{Name: "other"}}},
			wantStages: []Stage{
				StageStart, StageAuthenticated, StageAugmented, StageStreaming, StageFunctionCall, StageDone,
			},
		},
		{
			name:      "search failure",
			streams:   []streamScript{{Call: &datatypes.FunctionCall{Name: GetQueryParamsFunction}}},
			searchErr: errors.New("down"),
			wantStages: []Stage{
				StageStart, StageAuthenticated, StageAugmented, StageStreaming, StageFunctionCall, StageFailed,
			},
			wantErr:  true,
			wantCode: observability.ErrorCodeSearchError,
		},
		{
			name: "final stream failure",
			streams: []streamScript{
				{Call: &datatypes.FunctionCall{Name: GetQueryParamsFunction}},
				{Err: errors.New("reset")},
			},
			wantStages: []Stage{
				StageStart, StageAuthenticated, StageAugmented, StageStreaming,
				StageFunctionCall, StageSearchFetched, StageResultMerged, StageRestreaming, StageFailed,
			},
			wantErr:  true,
			wantCode: observability.ErrorCodeLLMError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &ScriptedChatClient{CompleteText: testAugmented, Streams: tt.streams}
			searcher := &MockSearcher{Result: json.RawMessage(`{}`), Err: tt.searchErr}
			flow, _ := newTestFlow(client, searcher)

			require.NoError(t, flow.authenticate(&extensions.AuthInfo{UserID: "u"}))
			flow.begin([]datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "q"}}, llm.Credentials{APIKey: "k"})
			err := flow.run(context.Background())

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, flow.errorCode())
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStages, stagesOf(flow.history))
		})
	}
}

func TestChatFlow_CanceledContext(t *testing.T) {
	client := &ScriptedChatClient{CompleteText: testAugmented}
	flow, _ := newTestFlow(client, &MockSearcher{})
	require.NoError(t, flow.authenticate(&extensions.AuthInfo{UserID: "u"}))
	flow.begin([]datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "q"}}, llm.Credentials{APIKey: "k"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := flow.run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageFailed, flow.stage)
	assert.Equal(t, observability.ErrorCodeClientDisconnect, flow.errorCode())
	assert.Empty(t, client.Calls())
}

func TestChatFlow_BeginCopiesMessages(t *testing.T) {
	flow, _ := newTestFlow(&ScriptedChatClient{}, &MockSearcher{})
	msgs := []datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "original"}}

	flow.begin(msgs, llm.Credentials{})
	msgs[0].Content = "changed"

	assert.Equal(t, "original", flow.messages[0].Content)
}

func TestQueryParamsFunction(t *testing.T) {
	fn := queryParamsFunction()

	assert.Equal(t, "get_query_params", fn.Name)
	assert.Equal(t, QueryParamsInstruction, fn.Description)
	require.Contains(t, fn.Parameters.Properties, "vector_search")
	assert.Equal(t, QueryParamsInstruction, fn.Parameters.Properties["vector_search"].Description)
	assert.Equal(t, []string{"vector_search"}, fn.Parameters.Required)
}
