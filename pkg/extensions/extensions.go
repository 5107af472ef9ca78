// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable collaborators of the chat service.
//
// The chat handler depends on two extension points:
//
//   - auth.go, jwt_auth.go: session resolution (AuthProvider)
//   - audit.go: audit trail (AuditLogger)
//
// Both are injected through ServiceOptions. The service builds options from
// its configuration when none are supplied:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(jwtProvider).
//	    WithAudit(extensions.NewSlogAuditLogger(nil))
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults by
// Normalize.
type ServiceOptions struct {
	// AuthProvider resolves session tokens.
	// Default: NopAuthProvider (every request is "local-user")
	AuthProvider AuthProvider

	// AuditLogger records request outcomes.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// Normalize returns a copy of opts with nil fields replaced by no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	defaults := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = defaults.AuthProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
