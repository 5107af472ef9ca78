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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/AleutianAI/HandbookChat/services/llm"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/observability"
	"github.com/AleutianAI/HandbookChat/services/search"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Stages
// =============================================================================

// Stage is a point in the per-request chat pipeline.
//
//	Start → Authenticated → Augmented → Streaming ─┬─────────────────────────────────────────────→ Done
//	                                               └─ FunctionCall → SearchFetched → ResultMerged → Restreaming → Done
//
// Any non-terminal stage may move to Failed.
type Stage int

const (
	StageStart Stage = iota
	StageAuthenticated
	StageAugmented
	StageStreaming
	StageFunctionCall
	StageSearchFetched
	StageResultMerged
	StageRestreaming
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageStart:         "start",
	StageAuthenticated: "authenticated",
	StageAugmented:     "augmented",
	StageStreaming:     "streaming",
	StageFunctionCall:  "function_call",
	StageSearchFetched: "search_fetched",
	StageResultMerged:  "result_merged",
	StageRestreaming:   "restreaming",
	StageDone:          "done",
	StageFailed:        "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// transitions lists the legal successors of every non-terminal stage,
// excluding Failed which is always legal from a non-terminal stage.
var transitions = map[Stage][]Stage{
	StageStart:         {StageAuthenticated},
	StageAuthenticated: {StageAugmented},
	StageAugmented:     {StageStreaming},
	StageStreaming:     {StageDone, StageFunctionCall},
	StageFunctionCall:  {StageSearchFetched, StageDone},
	StageSearchFetched: {StageResultMerged},
	StageResultMerged:  {StageRestreaming},
	StageRestreaming:   {StageDone},
}

// ErrIllegalTransition is returned when the flow is asked to move between
// stages that are not connected.
var ErrIllegalTransition = errors.New("illegal chat flow transition")

// errUnauthenticated is returned by authenticate for a missing session.
var errUnauthenticated = errors.New("no authenticated user")

// errClientGone wraps writer failures, which mean the caller went away.
var errClientGone = errors.New("client stopped reading")

func canTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageTransition is one entry of the flow history.
type StageTransition struct {
	From Stage
	To   Stage
	At   time.Time
}

// =============================================================================
// Flow
// =============================================================================

// chatFlow holds the state of one chat request.
//
// The flow is created per request and never shared. Each stage has one step
// method that does the stage's work and names the next stage; run drives the
// steps until a terminal stage is reached.
type chatFlow struct {
	requestID string
	client    llm.ChatClient
	searcher  search.Searcher
	out       TokenWriter
	span      trace.Span

	stage        Stage
	stageEntered time.Time
	startedAt    time.Time
	history      []StageTransition
	failure      error

	session   *extensions.AuthInfo
	creds     llm.Credentials
	messages  []datatypes.ChatMessage
	augmented string
	primary   []datatypes.ChatMessage
	call      *datatypes.FunctionCall
	result    json.RawMessage
	merged    []datatypes.ChatMessage

	searchCalled bool
	firstToken   time.Time
	tokens       map[observability.Pass]int
}

func newChatFlow(requestID string, client llm.ChatClient, searcher search.Searcher, out TokenWriter, span trace.Span) *chatFlow {
	now := time.Now()
	return &chatFlow{
		requestID:    requestID,
		client:       client,
		searcher:     searcher,
		out:          out,
		span:         span,
		stage:        StageStart,
		stageEntered: now,
		startedAt:    now,
		tokens:       make(map[observability.Pass]int),
	}
}

// advance moves the flow to next, recording the transition.
func (f *chatFlow) advance(next Stage) error {
	if !canTransition(f.stage, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f.stage, next)
	}

	now := time.Now()
	if m := observability.DefaultMetrics; m != nil {
		m.RecordStage(f.stage.String(), now.Sub(f.stageEntered))
	}
	if f.span != nil {
		f.span.AddEvent("chat.stage", trace.WithAttributes(
			attribute.String("from", f.stage.String()),
			attribute.String("to", next.String()),
		))
	}
	slog.Debug("Chat stage transition",
		"request_id", f.requestID,
		"from", f.stage.String(),
		"to", next.String(),
	)

	f.history = append(f.history, StageTransition{From: f.stage, To: next, At: now})
	f.stage = next
	f.stageEntered = now
	return nil
}

// fail moves the flow to Failed and keeps err as the cause.
func (f *chatFlow) fail(err error) error {
	f.failure = err
	if advanceErr := f.advance(StageFailed); advanceErr != nil {
		return errors.Join(err, advanceErr)
	}
	return err
}

// authenticate is the Start step. It runs before the request body is read.
func (f *chatFlow) authenticate(session *extensions.AuthInfo) error {
	if f.stage != StageStart {
		return fmt.Errorf("%w: authenticate from %s", ErrIllegalTransition, f.stage)
	}
	if !session.Authenticated() {
		return f.fail(errUnauthenticated)
	}
	f.session = session
	return f.advance(StageAuthenticated)
}

// begin loads the validated request. creds already carry any preview token.
func (f *chatFlow) begin(messages []datatypes.ChatMessage, creds llm.Credentials) {
	f.messages = datatypes.CloneMessages(messages)
	f.creds = creds
}

// run drives the flow from Authenticated to a terminal stage.
func (f *chatFlow) run(ctx context.Context) error {
	if f.stage != StageAuthenticated {
		return fmt.Errorf("%w: run from %s", ErrIllegalTransition, f.stage)
	}

	for !f.stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return f.fail(err)
		}

		next, err := f.step(ctx)
		if err != nil {
			return f.fail(err)
		}
		if err := f.advance(next); err != nil {
			return f.fail(err)
		}
	}
	return nil
}

func (f *chatFlow) step(ctx context.Context) (Stage, error) {
	switch f.stage {
	case StageAuthenticated:
		return f.augment(ctx)
	case StageAugmented:
		return f.preparePrimary()
	case StageStreaming:
		return f.streamPrimary(ctx)
	case StageFunctionCall:
		return f.fetchSearch(ctx)
	case StageSearchFetched:
		return f.mergeResult()
	case StageResultMerged:
		return StageRestreaming, nil
	case StageRestreaming:
		return f.restream(ctx)
	default:
		return f.stage, fmt.Errorf("%w: no step for %s", ErrIllegalTransition, f.stage)
	}
}

// =============================================================================
// Steps
// =============================================================================

// augment asks the model to elaborate the conversation into search text.
func (f *chatFlow) augment(ctx context.Context) (Stage, error) {
	messages := make([]datatypes.ChatMessage, 0, len(f.messages)+1)
	messages = append(messages, datatypes.ChatMessage{
		Role:    datatypes.RoleAssistant,
		Content: AugmentationInstruction,
	})
	messages = append(messages, f.messages...)

	text, err := f.client.Complete(ctx, f.creds, messages, llm.GenerationParams{
		Temperature: llm.Float32(augmentationTemperature),
	})
	if err != nil {
		return f.stage, fmt.Errorf("augmentation call: %w", err)
	}

	f.augmented = text
	slog.Info("Augmented query generated",
		"request_id", f.requestID,
		"augmented_bytes", len(text),
	)
	return StageAugmented, nil
}

// preparePrimary builds the caller messages plus the augmented text.
func (f *chatFlow) preparePrimary() (Stage, error) {
	f.primary = make([]datatypes.ChatMessage, 0, len(f.messages)+1)
	f.primary = append(f.primary, f.messages...)
	f.primary = append(f.primary, datatypes.ChatMessage{
		Role:    datatypes.RoleAssistant,
		Content: f.augmented,
	})
	return StageStreaming, nil
}

// streamPrimary relays the primary completion and detects a function call.
func (f *chatFlow) streamPrimary(ctx context.Context) (Stage, error) {
	call, err := f.client.Stream(ctx, f.creds, f.primary, llm.GenerationParams{
		Temperature: llm.Float32(primaryTemperature),
		Functions:   []llm.FunctionDefinition{queryParamsFunction()},
	}, f.relay(observability.PassPrimary))
	if err != nil {
		return f.stage, fmt.Errorf("primary stream: %w", err)
	}
	if call == nil {
		return StageDone, nil
	}

	f.call = call
	if m := observability.DefaultMetrics; m != nil {
		m.RecordFunctionCall(call.Name)
	}
	return StageFunctionCall, nil
}

// fetchSearch runs the handbook search for get_query_params.
//
// The model's arguments are ignored: the search always uses the augmented
// text. Any other function name is handed back to the caller unchanged.
func (f *chatFlow) fetchSearch(ctx context.Context) (Stage, error) {
	if f.call.Name != GetQueryParamsFunction {
		return f.passThroughCall()
	}

	slog.Info("Model requested handbook search",
		"request_id", f.requestID,
		"ignored_arguments_bytes", len(f.call.Arguments),
	)

	f.searchCalled = true
	result, err := f.searcher.Search(ctx, f.augmented)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordSearch(err == nil)
	}
	if err != nil {
		return f.stage, fmt.Errorf("handbook search: %w", err)
	}

	f.result = result
	return StageSearchFetched, nil
}

// passThroughCall writes an unhandled function call to the caller as JSON
// text and ends the flow.
func (f *chatFlow) passThroughCall() (Stage, error) {
	payload, err := json.Marshal(map[string]any{
		"function_call": map[string]string{
			"name":      f.call.Name,
			"arguments": f.call.Arguments,
		},
	})
	if err != nil {
		return f.stage, fmt.Errorf("encode function call: %w", err)
	}

	slog.Warn("Model called an undeclared function",
		"request_id", f.requestID,
		"function", f.call.Name,
	)
	if err := f.relay(observability.PassPassthru)(llm.StreamEvent{
		Type:    llm.StreamEventToken,
		Content: string(payload),
	}); err != nil {
		return f.stage, err
	}
	return StageDone, nil
}

// mergeResult appends the function call and its result to the caller
// messages. The augmented assistant message is not part of this sequence.
func (f *chatFlow) mergeResult() (Stage, error) {
	call := *f.call
	f.merged = make([]datatypes.ChatMessage, 0, len(f.messages)+2)
	f.merged = append(f.merged, f.messages...)
	f.merged = append(f.merged,
		datatypes.ChatMessage{
			Role:         datatypes.RoleAssistant,
			FunctionCall: &call,
		},
		datatypes.ChatMessage{
			Role:       datatypes.RoleFunction,
			Name:       call.Name,
			Content:    string(f.result),
			ToolCallID: call.ID,
		},
	)
	return StageResultMerged, nil
}

// restream relays the final completion, which declares no functions.
func (f *chatFlow) restream(ctx context.Context) (Stage, error) {
	call, err := f.client.Stream(ctx, f.creds, f.merged, llm.GenerationParams{}, f.relay(observability.PassRestream))
	if err != nil {
		return f.stage, fmt.Errorf("final stream: %w", err)
	}
	if call != nil {
		slog.Warn("Ignoring function call in final stream",
			"request_id", f.requestID,
			"function", call.Name,
		)
	}
	return StageDone, nil
}

// relay returns a stream callback that forwards tokens to the caller.
func (f *chatFlow) relay(pass observability.Pass) llm.StreamCallback {
	return func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken || event.Content == "" {
			return nil
		}
		if f.firstToken.IsZero() {
			f.firstToken = time.Now()
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstToken(f.firstToken.Sub(f.startedAt))
			}
		}
		f.tokens[pass]++
		if err := f.out.WriteToken(event.Content); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		return nil
	}
}

// errorCode classifies the failure for metrics.
func (f *chatFlow) errorCode() observability.ErrorCode {
	switch {
	case f.failure == nil:
		return observability.ErrorCodeInternal
	case errors.Is(f.failure, errClientGone), errors.Is(f.failure, context.Canceled):
		return observability.ErrorCodeClientDisconnect
	case errors.Is(f.failure, ErrIllegalTransition):
		return observability.ErrorCodeInternal
	}

	// The stage before Failed is the one whose step failed.
	failedIn := StageStart
	if n := len(f.history); n > 0 {
		failedIn = f.history[n-1].From
	}
	switch failedIn {
	case StageFunctionCall:
		return observability.ErrorCodeSearchError
	case StageAuthenticated, StageStreaming, StageRestreaming:
		return observability.ErrorCodeLLMError
	default:
		return observability.ErrorCodeInternal
	}
}
