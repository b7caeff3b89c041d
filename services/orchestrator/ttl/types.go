// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl expires recorded companion sessions.
//
// A Scheduler periodically asks a SessionStore for sessions that began
// before now minus the retention period and deletes them one at a time.
// Deletion covers every recorded exchange of the session and the session
// object itself.
package ttl

import (
	"context"
	"time"
)

// SessionStore lists and deletes recorded sessions.
//
// *services.WeaviateSessionStore implements it.
type SessionStore interface {
	// ExpiredSessions returns the ids of sessions that began before cutoff,
	// oldest first, at most limit of them.
	ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Delete removes every exchange of sessionID, then the session itself.
	Delete(ctx context.Context, sessionID string) error
}

// Observer receives the counts of each completed cleanup cycle. Optional.
type Observer interface {
	SessionsExpired(deleted, failed int)
}

// CleanupResult summarizes one cleanup cycle.
type CleanupResult struct {
	StartTime time.Time
	EndTime   time.Time

	// Cutoff is the instant sessions had to begin before to expire.
	Cutoff time.Time

	SessionsFound   int
	SessionsDeleted int

	// Errors holds one entry per session that could not be deleted. Those
	// sessions are retried on the next cycle.
	Errors []CleanupError
}

// Duration returns how long the cycle took.
func (r CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// CleanupError records a failed session delete.
type CleanupError struct {
	SessionID string
	Err       error
}

// Error implements error.
func (e CleanupError) Error() string {
	return "delete session " + e.SessionID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e CleanupError) Unwrap() error {
	return e.Err
}
