// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat pipeline.
//
// # Metrics
//
//	handbookchat_chat_requests_total{outcome}
//	handbookchat_chat_stage_duration_seconds{stage}
//	handbookchat_chat_time_to_first_token_seconds
//	handbookchat_chat_tokens_total{pass}
//	handbookchat_chat_function_calls_total{function}
//	handbookchat_chat_search_requests_total{status}
//	handbookchat_chat_active_streams
//	handbookchat_chat_errors_total{code}
//	handbookchat_chat_keepalives_total
//	handbookchat_chat_client_disconnects_total
//
// # Usage
//
// Call InitMetrics once at startup. Handlers nil-check DefaultMetrics so
// that metrics stay optional:
//
//	if m := observability.DefaultMetrics; m != nil {
//	    m.RecordRequest(observability.OutcomeSuccess)
//	}
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "handbookchat"

const chatSubsystem = "chat"

// ChatMetrics holds all chat pipeline metrics.
type ChatMetrics struct {
	// RequestsTotal counts finished requests by outcome.
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds observes the time spent in each pipeline stage.
	StageDurationSeconds *prometheus.HistogramVec

	// TimeToFirstTokenSeconds observes request start to first relayed token.
	TimeToFirstTokenSeconds prometheus.Histogram

	// TokensTotal counts relayed stream fragments by completion pass.
	TokensTotal *prometheus.CounterVec

	// FunctionCallsTotal counts function calls requested by the model.
	FunctionCallsTotal *prometheus.CounterVec

	// SearchRequestsTotal counts search API calls by status.
	SearchRequestsTotal *prometheus.CounterVec

	// ActiveStreams is the number of responses currently streaming.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts failures by error code.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive comments sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams abandoned by the caller.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the process-wide instance, nil until InitMetrics runs.
var DefaultMetrics *ChatMetrics

var initOnce sync.Once

// InitMetrics registers the metrics with the default Prometheus registry.
// Safe to call more than once; later calls return the same instance.
func InitMetrics() *ChatMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewChatMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewChatMetrics creates metrics registered with reg.
// Tests pass a fresh prometheus.NewRegistry() for isolation.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)

	return &ChatMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total chat requests by outcome",
			},
			[]string{"outcome"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each chat pipeline stage",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request start to first relayed token",
				Buckets:   []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total stream fragments relayed by completion pass",
			},
			[]string{"pass"},
		),

		FunctionCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "function_calls_total",
				Help:      "Function calls requested by the model",
			},
			[]string{"function"},
		),

		SearchRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "search_requests_total",
				Help:      "Search API requests by status",
			},
			[]string{"status"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of chat requests currently in flight",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Chat errors by code",
			},
			[]string{"code"},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}
}

// =============================================================================
// Label values
// =============================================================================

// Outcome is the requests_total label.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeBadRequest   Outcome = "bad_request"
	OutcomeError        Outcome = "error"
)

// ErrorCode categorizes errors for errors_total.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeSearchError      ErrorCode = "search_error"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodeInternal         ErrorCode = "internal"
)

// Pass labels the completion call a token came from.
type Pass string

const (
	PassPrimary  Pass = "primary"
	PassRestream Pass = "restream"
	PassPassthru Pass = "function_passthrough"
)

// =============================================================================
// Recording helpers
// =============================================================================

func (m *ChatMetrics) RecordRequest(outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *ChatMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

func (m *ChatMetrics) RecordStage(stage string, d time.Duration) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *ChatMetrics) RecordTimeToFirstToken(d time.Duration) {
	m.TimeToFirstTokenSeconds.Observe(d.Seconds())
}

func (m *ChatMetrics) RecordTokens(pass Pass, n int) {
	m.TokensTotal.WithLabelValues(string(pass)).Add(float64(n))
}

func (m *ChatMetrics) RecordFunctionCall(name string) {
	m.FunctionCallsTotal.WithLabelValues(name).Inc()
}

func (m *ChatMetrics) RecordSearch(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.SearchRequestsTotal.WithLabelValues(status).Inc()
}

func (m *ChatMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

func (m *ChatMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

func (m *ChatMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

func (m *ChatMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
