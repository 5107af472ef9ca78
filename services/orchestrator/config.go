// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth modes.
const (
	AuthModeJWT  = "jwt"
	AuthModeNone = "none"
)

const (
	defaultPort            = 3000
	defaultShutdownTimeout = 15 * time.Second
	defaultGinMode         = "release"
)

// Config holds all configuration for the service.
//
// Fields are populated from a YAML file (LoadConfigFile), then from
// environment variables in cmd/handbookchat. Zero values are filled by
// applyConfigDefaults.
type Config struct {
	// Port is the HTTP port. Default: 3000.
	Port int `yaml:"port"`

	// GinMode is "debug", "release" or "test". Default: "release".
	GinMode string `yaml:"gin_mode"`

	// OTelEndpoint is the OTLP gRPC collector address. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// EnableMetrics registers Prometheus metrics and mounts /metrics.
	EnableMetrics bool `yaml:"enable_metrics"`

	// HeartbeatInterval is the SSE keepalive period. Default: 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	OpenAI OpenAIConfig `yaml:"openai"`
	Search SearchConfig `yaml:"search"`
	Auth   AuthConfig   `yaml:"auth"`
}

// OpenAIConfig configures the model provider.
type OpenAIConfig struct {
	// APIKey is the default credential. A request's previewToken replaces it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the chat model id. Default: gpt-3.5-turbo.
	Model string `yaml:"model"`
}

// SearchConfig configures the handbook search API.
type SearchConfig struct {
	URL         string        `yaml:"url"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AuthConfig selects how sessions are resolved.
type AuthConfig struct {
	// Mode is AuthModeJWT or AuthModeNone. Default: AuthModeJWT.
	Mode string `yaml:"mode"`

	// JWTSecret is the HMAC key of session tokens. Required in jwt mode.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when set, must match the token's "iss" claim.
	Issuer string `yaml:"issuer"`

	// CookieName is read when no bearer token is sent.
	CookieName string `yaml:"cookie_name"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	cfg := applyConfigDefaults(Config{})
	cfg.EnableMetrics = true
	return cfg
}

// LoadConfigFile reads a YAML file over DefaultConfig.
// Keys absent from the file keep their default values.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return applyConfigDefaults(cfg), nil
}

// applyConfigDefaults fills zero values. EnableMetrics and OTelEndpoint are
// left as given, since false and empty are meaningful.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.GinMode == "" {
		cfg.GinMode = defaultGinMode
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModeJWT
	}
	return cfg
}

// validate reports configuration that cannot start a working service.
// Auth settings are skipped when the caller injects its own provider.
func (c Config) validate(checkAuth bool) error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid gin mode %q", c.GinMode)
	}
	if !checkAuth {
		return nil
	}
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth mode %q requires a JWT secret", AuthModeJWT)
		}
	case AuthModeNone:
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	return nil
}
