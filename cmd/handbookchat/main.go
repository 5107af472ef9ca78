// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command handbookchat runs the handbook chat server.
//
// # Usage
//
//	# Serve with defaults plus environment overrides
//	handbookchat serve
//
//	# Serve from a config file on a custom port
//	handbookchat serve --config handbookchat.yaml --port 8080
//
//	# Issue a session token for local testing
//	AUTH_JWT_SECRET=dev handbookchat token --user alice
//
// # Environment Variables
//
//   - PORT, GIN_MODE, ENABLE_METRICS, HEARTBEAT_INTERVAL
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC collector (tracing off when empty)
//   - OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL
//   - RCMS_API_ACCESS_TOKEN, RCMS_SEARCH_URL, RCMS_SEARCH_TIMEOUT
//   - AUTH_MODE (jwt|none), AUTH_JWT_SECRET, AUTH_JWT_ISSUER, AUTH_COOKIE_NAME
//   - LOG_LEVEL, LOG_FORMAT (auto|json|text), LOG_DIR
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/AleutianAI/HandbookChat/pkg/logging"
	"github.com/AleutianAI/HandbookChat/services/orchestrator"
	"github.com/spf13/cobra"
)

var (
	configPath string
	portFlag   int
	tokenUser  string
	tokenEmail string
	tokenTTL   time.Duration

	rootCmd = &cobra.Command{
		Use:           "handbookchat",
		Short:         "Chat with the company handbook",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Print a signed session token for the configured JWT secret",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "HTTP port (overrides config and PORT)")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id placed in the token")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Optional email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("handbookchat: %v", err)
	}
}

// loadConfig reads the config file, when given, then applies the environment.
func loadConfig(path string, lookup lookupFunc) (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = orchestrator.LoadConfigFile(path)
		if err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

// serviceOptions sends audit events through logger, tagged as the audit component.
func serviceOptions(logger *logging.Logger) extensions.ServiceOptions {
	return extensions.ServiceOptions{}.
		WithAudit(extensions.NewSlogAuditLogger(logger.With("component", "audit").Slog()))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logCfg, err := loggingConfig(os.LookupEnv)
	if err != nil {
		return err
	}
	logger := logging.New(logCfg)
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = portFlag
	}

	slog.Info("Starting HandbookChat",
		"port", cfg.Port,
		"model", cfg.OpenAI.Model,
		"auth_mode", cfg.Auth.Mode,
		"metrics", cfg.EnableMetrics,
	)

	opts := serviceOptions(logger)
	svc, err := orchestrator.New(cfg, &opts)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return svc.Run()
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	provider, err := extensions.NewJWTAuthProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := provider.IssueToken(tokenUser, tokenEmail, tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
