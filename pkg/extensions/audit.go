// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Event types emitted by the companion.
const (
	// EventCrisisRouted is recorded each time a message is routed to the
	// crisis path.
	EventCrisisRouted = "companion.crisis_routed"
)

// AuditEvent represents a safety-relevant event for review.
//
// # Fields
//
//   - EventType: "category.action", e.g. "companion.crisis_routed".
//   - Timestamp: When the event occurred (UTC). If zero, implementations set
//     it to time.Now().UTC().
//   - ResourceType / ResourceID: What the event is about, e.g. "reply" and
//     the reply ID.
//   - Outcome: "routed", "success", "failure".
//   - Metadata: Event-specific details such as the matched keyword and the
//     keyword language. Never the message text.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    EventCrisisRouted,
//	    ResourceType: "reply",
//	    ResourceID:   replyID,
//	    Outcome:      "routed",
//	    Metadata: map[string]any{
//	        "matched_keyword": "kill myself",
//	        "language":        "en",
//	    },
//	}
type AuditEvent struct {
	EventType    string
	Timestamp    time.Time
	ResourceType string
	ResourceID   string
	Outcome      string
	Metadata     map[string]any
}

// AuditLogger records safety-relevant events.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Log should return quickly; callers never fail a reply because auditing
// failed, they only log the error.
type AuditLogger interface {
	// Log records one event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures all buffered events are persisted. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger is the default audit logger. It discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// SlogAuditLogger writes events as structured log records.
//
// Point it at a dedicated logger (for example one built by pkg/logging with
// its own directory) to keep the audit trail apart from operational logs.
type SlogAuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSlogAuditLogger returns an AuditLogger writing to logger. A nil logger
// uses slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger, now: time.Now}
}

// Log writes the event at Info level under the "audit" group.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		meta := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	l.logger.InfoContext(ctx, "audit event", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error {
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
