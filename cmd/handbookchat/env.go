// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/logging"
	"github.com/AleutianAI/HandbookChat/services/orchestrator"
)

// Environment variables read at startup. A set variable overrides the
// config file.
const (
	envPort              = "PORT"
	envGinMode           = "GIN_MODE"
	envOTelEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envEnableMetrics     = "ENABLE_METRICS"
	envHeartbeatInterval = "HEARTBEAT_INTERVAL"
	envOpenAIKey         = "OPENAI_API_KEY"
	envOpenAIBaseURL     = "OPENAI_BASE_URL"
	envOpenAIModel       = "OPENAI_MODEL"
	envSearchToken       = "RCMS_API_ACCESS_TOKEN"
	envSearchURL         = "RCMS_SEARCH_URL"
	envSearchTimeout     = "RCMS_SEARCH_TIMEOUT"
	envAuthMode          = "AUTH_MODE"
	envJWTSecret         = "AUTH_JWT_SECRET"
	envJWTIssuer         = "AUTH_JWT_ISSUER"
	envCookieName        = "AUTH_COOKIE_NAME"
	envLogLevel          = "LOG_LEVEL"
	envLogFormat         = "LOG_FORMAT"
	envLogDir            = "LOG_DIR"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnv overlays set, non-empty environment variables onto cfg.
func applyEnv(cfg *orchestrator.Config, lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	if v, ok := get(envPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envPort, err)
		}
		cfg.Port = port
	}
	if v, ok := get(envEnableMetrics); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envEnableMetrics, err)
		}
		cfg.EnableMetrics = enabled
	}
	if v, ok := get(envHeartbeatInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envHeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
	}
	if v, ok := get(envSearchTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envSearchTimeout, err)
		}
		cfg.Search.Timeout = d
	}

	fields := map[string]*string{
		envGinMode:       &cfg.GinMode,
		envOTelEndpoint:  &cfg.OTelEndpoint,
		envOpenAIKey:     &cfg.OpenAI.APIKey,
		envOpenAIBaseURL: &cfg.OpenAI.BaseURL,
		envOpenAIModel:   &cfg.OpenAI.Model,
		envSearchToken:   &cfg.Search.AccessToken,
		envSearchURL:     &cfg.Search.URL,
		envAuthMode:      &cfg.Auth.Mode,
		envJWTSecret:     &cfg.Auth.JWTSecret,
		envJWTIssuer:     &cfg.Auth.Issuer,
		envCookieName:    &cfg.Auth.CookieName,
	}
	for key, field := range fields {
		if v, ok := get(key); ok {
			*field = v
		}
	}
	return nil
}

// loggingConfig builds the logger configuration from the environment.
func loggingConfig(lookup lookupFunc) (logging.Config, error) {
	cfg := logging.Config{Level: logging.LevelInfo, Service: "handbookchat"}

	if v, ok := lookup(envLogLevel); ok {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envLogLevel, err)
		}
		cfg.Level = level
	}
	if v, ok := lookup(envLogFormat); ok {
		format, err := logging.ParseFormat(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envLogFormat, err)
		}
		cfg.Format = format
	}
	if v, ok := lookup(envLogDir); ok {
		cfg.LogDir = v
	}
	return cfg, nil
}
