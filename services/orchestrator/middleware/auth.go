// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat service.
//
// # Session Resolution
//
// SessionMiddleware looks for a session token, resolves it with the
// configured AuthProvider and stores the resulting AuthInfo in the Gin
// context. It never rejects a request itself: the handler decides what an
// absent session means, so the rejection happens before any body parsing
// and produces the exact response the handler owns.
//
//	Request
//	   │
//	   ▼
//	SessionMiddleware
//	   │
//	   ├─► "Authorization: Bearer <token>", else the session cookie
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► SetAuthInfo on success, nothing on failure
//	           │
//	           ▼
//	       Handler (GetAuthInfo(c).Authenticated())
package middleware

import (
	"log/slog"
	"strings"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// DefaultSessionCookie is the cookie checked when no bearer token is sent.
const DefaultSessionCookie = "handbook_session"

const authInfoKey = "handbookchat_auth_info"

// SetAuthInfo stores the resolved session in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the session stored by SessionMiddleware, or nil.
//
// # Examples
//
//	if !middleware.GetAuthInfo(c).Authenticated() {
//	    c.String(http.StatusUnauthorized, "Unauthorized")
//	    return
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// SessionMiddleware resolves the caller's session without aborting.
//
// # Description
//
// The token is taken from the Authorization header first and from the
// cookie named cookieName second. An empty cookieName uses
// DefaultSessionCookie. Validation failures are logged at debug level and
// leave the context without AuthInfo.
//
// # Inputs
//
//   - provider: Resolves tokens. Must not be nil.
//   - cookieName: Session cookie name, may be empty.
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use if the provider is.
func SessionMiddleware(provider extensions.AuthProvider, cookieName string) gin.HandlerFunc {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			token = extractCookieToken(c, cookieName)
		}

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			slog.Debug("Session validation failed",
				"path", c.FullPath(),
				"has_token", token != "",
				"error", err,
			)
			c.Next()
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>".
// The scheme is case-insensitive per RFC 7235. Returns "" when absent or
// malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func extractCookieToken(c *gin.Context, name string) string {
	value, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}
