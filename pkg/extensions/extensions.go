// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines injectable hooks for deployment-specific
// behavior.
//
// The companion works without any of them: every hook has a no-op default.
// Deployments that need an audit trail of crisis routing (clinical
// supervision, compliance review) inject a concrete AuditLogger through
// ServiceOptions.
//
// # Usage
//
//	opts := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(auditLog))
//	svc, err := orchestrator.New(ctx, cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points for service construction.
//
// A nil AuditLogger is replaced with NopAuditLogger by consumers.
type ServiceOptions struct {
	// AuditLogger records crisis routing events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger: &NopAuditLogger{},
	}
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Audit returns the configured AuditLogger, or a NopAuditLogger when unset.
func (opts ServiceOptions) Audit() AuditLogger {
	if opts.AuditLogger == nil {
		return &NopAuditLogger{}
	}
	return opts.AuditLogger
}
