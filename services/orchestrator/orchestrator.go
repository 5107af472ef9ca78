// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the HandbookChat HTTP service.
//
// It wires the model client, the handbook search client, session
// authentication, tracing and metrics into a Gin router serving:
//
//	GET  /health
//	GET  /metrics      (when EnableMetrics is set)
//	POST /api/chat
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfigFile("handbookchat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Callers can inject their own AuthProvider or AuditLogger through
// extensions.ServiceOptions. An injected AuthProvider takes precedence over
// Config.Auth.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/AleutianAI/HandbookChat/services/llm"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/handlers"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/observability"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/routes"
	"github.com/AleutianAI/HandbookChat/services/search"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is reported to the tracing backend and otelgin.
const ServiceName = "handbookchat"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the lifecycle of the HandbookChat server.
//
// # Thread Safety
//
// Run and Serve block and should be called once per instance.
type Service interface {
	// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
	Run() error

	// Serve serves until ctx is canceled, then shuts down gracefully.
	// A nil return means a clean shutdown.
	Serve(ctx context.Context) error

	// Router returns the configured Gin engine. Intended for tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	chatClient    llm.ChatClient
	searcher      search.Searcher
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New creates a Service from cfg.
//
// # Description
//
// New initializes, in order:
//  1. Defaults for zero-valued configuration
//  2. OpenTelemetry tracing, when OTelEndpoint is set
//  3. Prometheus metrics, when EnableMetrics is set
//  4. The session AuthProvider, unless opts supplies one
//  5. The OpenAI and handbook search clients
//  6. The Gin router and routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension points. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run
//   - error: Invalid configuration or a failed client setup
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if opts != nil {
		s.opts = *opts
	}

	if err := s.config.validate(s.opts.AuthProvider == nil); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if s.opts.AuthProvider == nil {
		provider, err := s.newAuthProvider()
		if err != nil {
			return nil, err
		}
		s.opts = s.opts.WithAuth(provider)
	}
	s.opts = s.opts.Normalize()

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	} else {
		slog.Info("OTel endpoint not configured, tracing disabled")
	}

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for chat")
	}

	if err := s.initClients(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

func (s *service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

func (s *service) Serve(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting HandbookChat server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down HandbookChat server", "timeout", s.config.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) newAuthProvider() (extensions.AuthProvider, error) {
	if s.config.Auth.Mode == AuthModeNone {
		slog.Warn("Session authentication disabled, every request runs as the local user")
		return &extensions.NopAuthProvider{}, nil
	}
	provider, err := extensions.NewJWTAuthProvider(s.config.Auth.JWTSecret, s.config.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT auth provider: %w", err)
	}
	return provider, nil
}

// initTracer sets up the OTLP gRPC exporter. The connection is insecure,
// which suits a collector on the same host or private network.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close OTLP connection", "error", err)
		}
	}

	slog.Info("Initialized OTLP tracing", "endpoint", s.config.OTelEndpoint)
	return cleanup, nil
}

func (s *service) initClients() error {
	if s.config.OpenAI.APIKey == "" {
		slog.Warn("OPENAI_API_KEY is empty, requests must carry a previewToken")
	}
	s.chatClient = llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: s.config.OpenAI.BaseURL,
		Model:   s.config.OpenAI.Model,
	})

	searcher, err := search.NewRCMSClient(search.Config{
		URL:         s.config.Search.URL,
		AccessToken: s.config.Search.AccessToken,
		Timeout:     s.config.Search.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create search client: %w", err)
	}
	s.searcher = searcher
	return nil
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))

	chat := handlers.NewAugmentedChatHandler(s.chatClient, s.searcher, handlers.ChatHandlerConfig{
		Credentials:       llm.Credentials{APIKey: s.config.OpenAI.APIKey},
		HeartbeatInterval: s.config.HeartbeatInterval,
	}, s.opts)

	routes.SetupRoutes(s.router, chat, s.opts, routes.Options{
		EnableMetrics: s.config.EnableMetrics,
		SessionCookie: s.config.Auth.CookieName,
	})
}

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
