// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
)

// DefaultMaxSessionTurns bounds how many recorded exchanges one summary
// reads.
const DefaultMaxSessionTurns = 200

// SessionSource supplies the accumulated content of a session, oldest first.
// An unknown session is not an error; it has no content.
type SessionSource interface {
	SessionContent(ctx context.Context, sessionID string) ([]string, error)
}

// SessionRecorder stores one answered exchange under a session.
type SessionRecorder interface {
	Record(ctx context.Context, sessionID string, msg datatypes.Message, reply datatypes.ChatReply) error
}

// SummaryWriter stores a generated summary for a session.
type SummaryWriter interface {
	SaveSummary(ctx context.Context, sessionID, summary string) error
}

// =============================================================================
// Static Source
// =============================================================================

// StaticSessionSource serves fixed content per session id, for tests and
// callers that already hold the session text.
type StaticSessionSource map[string][]string

// SessionContent returns a copy of the stored content.
func (s StaticSessionSource) SessionContent(_ context.Context, sessionID string) ([]string, error) {
	return append([]string(nil), s[sessionID]...), nil
}

// conversationText renders each exchange, skipping empty ones.
func conversationText(results []datatypes.ConversationResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if text := r.Text(); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// SessionAdmin lists and removes recorded exchanges.
type SessionAdmin interface {
	History(ctx context.Context, sessionID string) ([]datatypes.ConversationResult, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionStore is everything the service needs from session persistence.
// WeaviateSessionStore and BadgerSessionStore implement it.
type SessionStore interface {
	SessionSource
	SessionRecorder
	SummaryWriter
	SessionAdmin

	// ExpiredSessions returns the ids of sessions that began before cutoff,
	// oldest first, at most limit of them.
	ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

var (
	_ SessionSource = StaticSessionSource(nil)
	_ SessionStore  = (*WeaviateSessionStore)(nil)
	_ SessionStore  = (*BadgerSessionStore)(nil)
)
