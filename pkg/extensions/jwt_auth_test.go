// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(userID string) SessionClaims {
	now := time.Now()
	return SessionClaims{
		UserID: userID,
		Email:  "someone@example.com",
		Roles:  []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestNewJWTAuthProvider_EmptySecret(t *testing.T) {
	_, err := NewJWTAuthProvider("  ", "")
	assert.ErrorIs(t, err, ErrMissingSigningKey)
}

func TestJWTAuthProvider_Validate(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	subjectOnly := validClaims("")
	subjectOnly.Subject = "subject-user"

	tests := []struct {
		name       string
		token      string
		wantUserID string
		wantErr    bool
	}{
		{
			name:       "valid HS256 token",
			token:      signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("user-1")),
			wantUserID: "user-1",
		},
		{
			name:       "valid HS512 token",
			token:      signClaims(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims("user-2")),
			wantUserID: "user-2",
		},
		{
			name:       "subject fallback",
			token:      signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), subjectOnly),
			wantUserID: "subject-user",
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte("other-secret"), validClaims("user-1")),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
			wantErr: true,
		},
		{
			name:    "no user id",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("")),
			wantErr: true,
		},
		{
			name:    "alg none",
			token:   signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims("user-1")),
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := provider.Validate(context.Background(), tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				assert.Nil(t, info)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUserID, info.UserID)
			assert.True(t, info.Authenticated())
		})
	}
}

func TestJWTAuthProvider_Issuer(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "handbook")
	require.NoError(t, err)

	good := validClaims("user-1")
	good.Issuer = "handbook"
	bad := validClaims("user-1")
	bad.Issuer = "someone-else"

	_, err = provider.Validate(context.Background(), signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), good))
	assert.NoError(t, err)

	_, err = provider.Validate(context.Background(), signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), bad))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTAuthProvider_IssueTokenRoundTrip(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "handbook")
	require.NoError(t, err)

	token, err := provider.IssueToken("user-9", "nine@example.com", time.Minute)
	require.NoError(t, err)

	info, err := provider.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", info.UserID)
	assert.Equal(t, "nine@example.com", info.Email)
}

func TestJWTAuthProvider_IssueTokenRejectsBadInput(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)

	_, err = provider.IssueToken("", "", time.Minute)
	assert.Error(t, err)

	_, err = provider.IssueToken("user", "", 0)
	assert.Error(t, err)
}
