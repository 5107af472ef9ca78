// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search queries the handbook's vector search API.
//
// The API is a Kuroco RCMS endpoint that takes free text in the
// vector_search query parameter and returns an opaque JSON document. The
// document is passed to the model unchanged, so this package only checks
// that it is well-formed JSON.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/validation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("handbookchat.search")

const (
	// DefaultSearchURL is the handbook's RCMS search endpoint.
	DefaultSearchURL = "https://handbook.g.kuroco.app/rcms-api/3/search"

	// DefaultTimeout bounds one search round trip.
	DefaultTimeout = 30 * time.Second

	// AccessTokenHeader carries the RCMS API access token.
	AccessTokenHeader = "X-RCMS-API-ACCESS-TOKEN"

	// Fixed sampling parameters forwarded to the search API.
	queryTemperature = "0.2"
	queryTopP        = "0.9"

	maxResponseBytes = 8 << 20
	maxErrorBodySize = 512
)

// ErrInvalidJSON is returned when the search API answers with a body that is not JSON.
var ErrInvalidJSON = errors.New("search response is not valid JSON")

// APIError is returned for a non-2xx search response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("search API returned status %d", e.StatusCode)
}

// Searcher runs a vector search and returns the raw JSON result.
type Searcher interface {
	Search(ctx context.Context, query string) (json.RawMessage, error)
}

// Config configures an RCMSClient.
type Config struct {
	// URL is the search endpoint without query string. Empty uses DefaultSearchURL.
	URL string

	// AccessToken is sent in the X-RCMS-API-ACCESS-TOKEN header.
	AccessToken string

	// Timeout bounds one request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport. Nil uses an OpenTelemetry
	// instrumented client with Timeout applied.
	HTTPClient *http.Client
}

// RCMSClient calls the Kuroco RCMS search API.
//
// # Request Format
//
//	GET <URL>?vector_search=<query>&temperature=0.2&top_p=0.9
//	Content-accept: */*
//	X-RCMS-API-ACCESS-TOKEN: <token>
//
// # Thread Safety
//
// Safe for concurrent use.
type RCMSClient struct {
	endpoint    *url.URL
	accessToken string
	httpClient  *http.Client
}

// NewRCMSClient creates a client from cfg.
//
// An empty access token is accepted with a warning: the header is still
// sent, and the API decides whether to answer.
func NewRCMSClient(cfg Config) (*RCMSClient, error) {
	raw := cfg.URL
	if raw == "" {
		raw = DefaultSearchURL
	}
	endpoint, err := url.Parse(raw)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid search URL %q", raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	if cfg.AccessToken == "" {
		slog.Warn("RCMS_API_ACCESS_TOKEN is empty, search requests will be sent without a token")
	}

	return &RCMSClient{
		endpoint:    endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
	}, nil
}

// requestURL builds the full search URL for query.
func (c *RCMSClient) requestURL(query string) string {
	u := *c.endpoint
	params := url.Values{}
	params.Set("vector_search", query)
	params.Set("temperature", queryTemperature)
	params.Set("top_p", queryTopP)
	u.RawQuery = params.Encode()
	return u.String()
}

// Search implements Searcher.
//
// The returned JSON is compacted. A non-2xx status is an *APIError, a
// non-JSON body wraps ErrInvalidJSON.
func (c *RCMSClient) Search(ctx context.Context, query string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "RCMSClient.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.host", c.endpoint.Host),
		attribute.Int("search.query_bytes", len(query)),
	)

	fail := func(err error) (json.RawMessage, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The search API decides what it accepts; an unusual query is only reported.
	if err := validation.ValidateVectorQuery(query); err != nil {
		span.AddEvent("search.query_unusual", trace.WithAttributes(attribute.String("reason", err.Error())))
		slog.Warn("Sending unusual search query as-is", "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(query), nil)
	if err != nil {
		return fail(fmt.Errorf("failed to build search request: %w", err))
	}
	req.Header.Set("Content-accept", "*/*")
	req.Header.Set(AccessTokenHeader, c.accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("search request failed: %w", err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fail(fmt.Errorf("failed to read search response: %w", err))
	}
	if len(body) > maxResponseBytes {
		return fail(fmt.Errorf("search response exceeds %d bytes", maxResponseBytes))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > maxErrorBodySize {
			snippet = snippet[:maxErrorBodySize]
		}
		return fail(&APIError{StatusCode: resp.StatusCode, Body: string(snippet)})
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidJSON, err))
	}

	slog.Debug("Search completed",
		"status", resp.StatusCode,
		"bytes", compact.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return json.RawMessage(compact.Bytes()), nil
}

var _ Searcher = (*RCMSClient)(nil)
