// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/HandbookChat/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// recordingAuthProvider returns a fixed result and remembers the token it saw.
type recordingAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
	seen     []string
}

func (m *recordingAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.seen = append(m.seen, token)
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

// newSessionRouter mounts SessionMiddleware in front of a handler that
// reports the resolved user id, or "anonymous".
func newSessionRouter(provider extensions.AuthProvider, cookieName string) *gin.Engine {
	router := gin.New()
	router.Use(SessionMiddleware(provider, cookieName))
	router.GET("/whoami", func(c *gin.Context) {
		info := GetAuthInfo(c)
		if !info.Authenticated() {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, info.UserID)
	})
	return router
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"mixed case scheme", "BeArEr abc123", "abc123"},
		{"trailing space trimmed", "Bearer abc123  ", "abc123"},
		{"missing header", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
		{"only bearer", "Bearer", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// SessionMiddleware Tests
// =============================================================================

func TestSessionMiddleware_BearerToken(t *testing.T) {
	provider := &recordingAuthProvider{authInfo: &extensions.AuthInfo{UserID: "user-123"}}
	router := newSessionRouter(provider, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "cookie-token"})
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-123", w.Body.String())
	assert.Equal(t, []string{"header-token"}, provider.seen, "bearer token takes precedence over cookie")
}

func TestSessionMiddleware_CookieFallback(t *testing.T) {
	provider := &recordingAuthProvider{authInfo: &extensions.AuthInfo{UserID: "cookie-user"}}
	router := newSessionRouter(provider, "my_session")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "my_session", Value: "cookie-token"})
	router.ServeHTTP(w, req)

	assert.Equal(t, "cookie-user", w.Body.String())
	assert.Equal(t, []string{"cookie-token"}, provider.seen)
}

func TestSessionMiddleware_FailureDoesNotAbort(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", extensions.ErrUnauthorized},
		{"provider failure", errors.New("network error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newSessionRouter(&recordingAuthProvider{err: tt.err}, "")

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer bad-token")
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "anonymous", w.Body.String())
		})
	}
}

func TestSessionMiddleware_NoTokenStillValidated(t *testing.T) {
	provider := &recordingAuthProvider{err: extensions.ErrUnauthorized}
	router := newSessionRouter(provider, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, "anonymous", w.Body.String())
	assert.Equal(t, []string{""}, provider.seen)
}

func TestSessionMiddleware_NopProvider(t *testing.T) {
	router := newSessionRouter(&extensions.NopAuthProvider{}, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, "local-user", w.Body.String())
}

func TestSessionMiddleware_JWTProvider(t *testing.T) {
	provider, err := extensions.NewJWTAuthProvider("test-secret-with-enough-bytes", "")
	require.NoError(t, err)
	token, err := provider.IssueToken("jwt-user", "jwt@example.com", time.Hour)
	require.NoError(t, err)

	router := newSessionRouter(provider, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: token})
	router.ServeHTTP(w, req)
	assert.Equal(t, "jwt-user", w.Body.String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token+"tampered")
	router.ServeHTTP(w, req)
	assert.Equal(t, "anonymous", w.Body.String())
}

// =============================================================================
// Context Helper Tests
// =============================================================================

func TestSetAndGetAuthInfo(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	expected := &extensions.AuthInfo{
		UserID: "test-user",
		Email:  "test@example.com",
		Roles:  []string{"viewer"},
	}

	SetAuthInfo(c, expected)
	actual := GetAuthInfo(c)

	require.NotNil(t, actual)
	assert.Equal(t, expected, actual)
}

func TestGetAuthInfo_NotSet(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.Nil(t, GetAuthInfo(c))
	assert.False(t, GetAuthInfo(c).Authenticated())
}

func TestGetAuthInfo_WrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(authInfoKey, "not an AuthInfo")

	assert.Nil(t, GetAuthInfo(c))
}
