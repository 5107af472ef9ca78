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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/AleutianAI/HandbookChat/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("handbookchat.llm.openai")

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.GPT3Dot5Turbo

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// BaseURL overrides the provider endpoint, e.g. for a proxy or a test
	// server. Empty uses api.openai.com.
	BaseURL string

	// Model is the chat model id. Empty uses DefaultOpenAIModel.
	Model string

	// HTTPClient performs the requests. Nil uses a client with an
	// OpenTelemetry transport and no overall timeout, since streams may
	// run for minutes.
	HTTPClient *http.Client
}

// OpenAIClient talks to an OpenAI-compatible chat completions API.
//
// The client holds no credentials. Every call receives Credentials and
// builds its own go-openai client from them, so a preview token on one
// request can never leak into another.
type OpenAIClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

// Model returns the configured model id.
func (o *OpenAIClient) Model() string {
	return o.model
}

func (o *OpenAIClient) clientFor(creds Credentials) (*openai.Client, error) {
	if creds.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	conf := openai.DefaultConfig(creds.APIKey)
	if o.baseURL != "" {
		conf.BaseURL = o.baseURL
	}
	conf.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(conf), nil
}

func (o *OpenAIClient) buildRequest(messages []datatypes.ChatMessage, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	for _, fn := range params.Functions {
		def := fn
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return req
}

func (o *OpenAIClient) startSpan(ctx context.Context, name string, creds Credentials, messages []datatypes.ChatMessage, params GenerationParams) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
		attribute.Int("llm.num_functions", len(params.Functions)),
		attribute.String("llm.key_fingerprint", creds.Fingerprint()),
	)
	if params.Temperature != nil {
		span.SetAttributes(attribute.Float64("llm.temperature", float64(*params.Temperature)))
	}
	return ctx, span
}

// Complete implements ChatClient.
func (o *OpenAIClient) Complete(ctx context.Context, creds Credentials, messages []datatypes.ChatMessage, params GenerationParams) (string, error) {
	ctx, span := o.startSpan(ctx, "OpenAIClient.Complete", creds, messages, params)
	defer span.End()

	client, err := o.clientFor(creds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	resp, err := client.CreateChatCompletion(ctx, o.buildRequest(messages, params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, ErrNoChoices.Error())
		return "", ErrNoChoices
	}

	span.SetAttributes(
		attribute.String("llm.finish_reason", string(resp.Choices[0].FinishReason)),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Stream implements ChatClient.
//
// Function calls arrive either as tool-call deltas or as legacy
// function_call deltas, split across many chunks. Both forms are
// accumulated and the first assembled call is returned once the stream ends.
func (o *OpenAIClient) Stream(ctx context.Context, creds Credentials, messages []datatypes.ChatMessage, params GenerationParams, callback StreamCallback) (*datatypes.FunctionCall, error) {
	ctx, span := o.startSpan(ctx, "OpenAIClient.Stream", creds, messages, params)
	defer span.End()

	client, err := o.clientFor(creds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	req := o.buildRequest(messages, params)
	req.Stream = true

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return nil, fmt.Errorf("OpenAI stream open failed: %w", err)
	}
	defer stream.Close()

	var (
		acc    functionCallAccumulator
		tokens int
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			return nil, fmt.Errorf("OpenAI stream receive failed: %w", err)
		}

		for _, choice := range chunk.Choices {
			delta := choice.Delta
			if delta.Content != "" {
				tokens++
				if err := callback(StreamEvent{Type: StreamEventToken, Content: delta.Content}); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "stream callback failed")
					return nil, fmt.Errorf("stream callback: %w", err)
				}
			}
			if delta.FunctionCall != nil {
				acc.addLegacy(delta.FunctionCall)
			}
			for _, tc := range delta.ToolCalls {
				acc.addToolCall(tc)
			}
		}
	}

	call := acc.result()
	span.SetAttributes(
		attribute.Int("llm.stream_tokens", tokens),
		attribute.Bool("llm.function_called", call != nil),
	)
	return call, nil
}

// =============================================================================
// Function call accumulation
// =============================================================================

type partialCall struct {
	index int
	id    string
	name  strings.Builder
	args  strings.Builder
}

// functionCallAccumulator assembles function calls from stream deltas.
type functionCallAccumulator struct {
	calls  map[int]*partialCall
	legacy *partialCall
}

func (a *functionCallAccumulator) addToolCall(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	if a.calls == nil {
		a.calls = make(map[int]*partialCall)
	}
	pc, ok := a.calls[index]
	if !ok {
		pc = &partialCall{index: index}
		a.calls[index] = pc
	}
	if tc.ID != "" {
		pc.id = tc.ID
	}
	pc.name.WriteString(tc.Function.Name)
	pc.args.WriteString(tc.Function.Arguments)
}

func (a *functionCallAccumulator) addLegacy(fc *openai.FunctionCall) {
	if a.legacy == nil {
		a.legacy = &partialCall{}
	}
	a.legacy.name.WriteString(fc.Name)
	a.legacy.args.WriteString(fc.Arguments)
}

// result returns the lowest-index tool call, else the legacy call, else nil.
func (a *functionCallAccumulator) result() *datatypes.FunctionCall {
	if len(a.calls) > 0 {
		indexes := make([]int, 0, len(a.calls))
		for i := range a.calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		pc := a.calls[indexes[0]]
		return &datatypes.FunctionCall{ID: pc.id, Name: pc.name.String(), Arguments: pc.args.String()}
	}
	if a.legacy != nil && a.legacy.name.Len() > 0 {
		return &datatypes.FunctionCall{Name: a.legacy.name.String(), Arguments: a.legacy.args.String()}
	}
	return nil
}

// =============================================================================
// Message conversion
// =============================================================================

// toOpenAIMessages converts conversation messages to the provider format.
//
// A function call with an ID becomes a tool call and its result a tool
// message; calls without an ID use the legacy function_call form.
func toOpenAIMessages(messages []datatypes.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		}

		if fc := m.FunctionCall; fc != nil {
			if fc.ID != "" {
				msg.ToolCalls = []openai.ToolCall{{
					ID:       fc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: fc.Name, Arguments: fc.Arguments},
				}}
			} else {
				msg.FunctionCall = &openai.FunctionCall{Name: fc.Name, Arguments: fc.Arguments}
			}
		}

		switch {
		case m.Role == datatypes.RoleFunction && m.ToolCallID != "":
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = ""
		case m.Role == datatypes.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = ""
		}

		out = append(out, msg)
	}
	return out
}

var _ ChatClient = (*OpenAIClient)(nil)
