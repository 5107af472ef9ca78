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
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSigningKey is returned by NewJWTAuthProvider when no secret is configured.
var ErrMissingSigningKey = errors.New("jwt signing key is empty")

// SessionClaims is the claim set carried by a session token.
//
// The user id is read from the "user_id" claim and falls back to the
// standard "sub" claim when absent.
type SessionClaims struct {
	UserID string   `json:"user_id,omitempty"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthProvider validates HMAC-signed session tokens.
//
// # Description
//
// Tokens must be signed with HS256, HS384 or HS512 using the configured
// secret. Any other algorithm, including "none", is rejected. When an
// issuer is configured the "iss" claim must match it exactly.
//
// # Thread Safety
//
// Safe for concurrent use. The provider holds no mutable state.
type JWTAuthProvider struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTAuthProvider creates a provider for the given signing secret.
//
// # Inputs
//
//   - secret: HMAC key shared with the session issuer. Must not be empty.
//   - issuer: Expected "iss" claim. Empty disables the issuer check.
//
// # Outputs
//
//   - *JWTAuthProvider: Ready-to-use provider
//   - error: ErrMissingSigningKey if secret is empty
func NewJWTAuthProvider(secret, issuer string) (*JWTAuthProvider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSigningKey
	}
	return &JWTAuthProvider{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
	}, nil
}

// Validate parses and verifies the session token.
//
// An empty token, an invalid signature, an expired token or a token without
// a user id all return an error wrapping ErrUnauthorized.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("no session token: %w", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(p.leeway),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %v: %w", err, ErrUnauthorized)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid session token: %w", ErrUnauthorized)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("session token has no user id: %w", ErrUnauthorized)
	}

	info := &AuthInfo{
		UserID: userID,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}
	if claims.ID != "" {
		info.Metadata = map[string]any{"session_id": claims.ID}
	}
	return info, nil
}

// IssueToken signs a session token for userID with HS256.
//
// Used by the command line to mint development tokens. ttl must be positive.
func (p *JWTAuthProvider) IssueToken(userID, email string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}
