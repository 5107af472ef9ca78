// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when a session token cannot be resolved to a user.
// Providers wrap it with additional context:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the request-scoped session returned after successful authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - Roles: Role memberships carried by the session
//   - Metadata: Additional claims from the session issuer
//
// AuthInfo is never persisted. It lives for exactly one request.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// A session with an empty UserID is treated as unauthenticated.
	UserID string

	// Email is the user's email address.
	Email string

	// Roles contains the user's role memberships.
	Roles []string

	// Metadata holds issuer-specific claims that have no dedicated field.
	Metadata map[string]any
}


// Authenticated reports whether the session resolved to a user id.
//
// A nil receiver is valid and reports false, so callers can check the
// result of a context lookup directly:
//
//	if !middleware.GetAuthInfo(c).Authenticated() {
//	    c.String(http.StatusUnauthorized, "Unauthorized")
//	    return
//	}
func (a *AuthInfo) Authenticated() bool {
	return a != nil && a.UserID != ""
}

// AuthProvider resolves a session token into user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Implementations
//
//   - JWTAuthProvider: validates HMAC-signed session JWTs (production)
//   - NopAuthProvider: accepts everything as "local-user" (development)
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - token: The session token, possibly empty
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates every request as a fixed local user.
//
// It exists for local development (AUTH_MODE=none) where no session
// issuer is available. Never enable it on a public deployment.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local user. The token is ignored.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*JWTAuthProvider)(nil)
)
