// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/handlers"
	"github.com/AleutianAI/HandbookChat/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options controls optional routes and the session cookie.
type Options struct {
	// EnableMetrics mounts GET /metrics.
	EnableMetrics bool

	// SessionCookie is the cookie read when no bearer token is sent.
	SessionCookie string
}

// SetupRoutes registers all routes.
//
//	GET  /health
//	GET  /metrics   (EnableMetrics)
//	POST /api/chat  (session middleware)
func SetupRoutes(router *gin.Engine, chat handlers.AugmentedChatHandler, opts extensions.ServiceOptions, routeOpts Options) {
	opts = opts.Normalize()

	router.GET("/health", handlers.HealthCheck)
	if routeOpts.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	api.Use(middleware.SessionMiddleware(opts.AuthProvider, routeOpts.SessionCookie))
	{
		api.POST("/chat", chat.HandleChat)
	}
}
