// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.companion.ttl")

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// =============================================================================
// Configuration
// =============================================================================

// SchedulerConfig holds configuration for the session cleanup scheduler.
//
// # Fields
//
//   - Retention: Sessions that began longer ago than this are deleted.
//   - Interval: How often to run cleanup cycles. Default: 1 hour.
//   - BatchSize: Maximum sessions deleted per cycle. Default: 100.
//   - Now: Clock. Default: time.Now.
type SchedulerConfig struct {
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// DefaultSchedulerConfig returns the defaults for the given retention.
func DefaultSchedulerConfig(retention time.Duration) SchedulerConfig {
	return SchedulerConfig{
		Retention: retention,
		Interval:  time.Hour,
		BatchSize: 100,
		Now:       time.Now,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig(c.Retention)
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs session cleanup in the background.
//
// # Description
//
// Uses the ticker + done channel pattern. One cycle runs immediately on
// Start, then one per Interval until Stop or context cancellation.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Cycles never overlap.
type Scheduler struct {
	store    SessionStore
	observer Observer
	config   SchedulerConfig

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}

	cycleMu sync.Mutex
}

// NewScheduler creates a scheduler.
//
// # Inputs
//
//   - store: Source and sink of sessions. Must not be nil.
//   - observer: Receives cycle results. May be nil.
//   - config: Retention must be positive; other zero fields take defaults.
//
// # Outputs
//
//   - *Scheduler: Ready to Start.
//   - error: Non-nil if store is nil or Retention is not positive.
func NewScheduler(store SessionStore, observer Observer, config SchedulerConfig) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is nil")
	}
	if config.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", config.Retention)
	}
	return &Scheduler{
		store:    store,
		observer: observer,
		config:   config.withDefaults(),
	}, nil
}

// Start begins background cleanup. The loop ends on Stop or when ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Session cleanup scheduler starting",
		"retention", s.config.Retention.String(),
		"interval", s.config.Interval.String(),
		"batchSize", s.config.BatchSize,
	)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to end and waits for the current cycle. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("Session cleanup scheduler stopped")
}

// RunNow runs one cleanup cycle immediately. It does not affect the
// schedule.
func (s *Scheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.runCleanupCycle(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeCleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

// executeCleanup runs one cycle and logs the outcome. Errors never stop
// the loop.
func (s *Scheduler) executeCleanup(ctx context.Context) {
	result, err := s.runCleanupCycle(ctx)
	if err != nil {
		slog.Error("Session cleanup cycle failed", "error", err)
		return
	}

	if result.SessionsFound > 0 {
		slog.Info("Session cleanup cycle completed",
			"sessionsFound", result.SessionsFound,
			"sessionsDeleted", result.SessionsDeleted,
			"failures", len(result.Errors),
			"durationMs", result.Duration().Milliseconds(),
		)
	} else {
		slog.Debug("Session cleanup cycle completed (no expired sessions)")
	}
}

// runCleanupCycle lists expired sessions and deletes each one. A failed
// delete is recorded and the cycle moves on; a failed listing fails the
// cycle.
func (s *Scheduler) runCleanupCycle(ctx context.Context) (CleanupResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	ctx, span := tracer.Start(ctx, "Scheduler.runCleanupCycle")
	defer span.End()

	now := s.config.Now()
	result := CleanupResult{
		StartTime: now,
		Cutoff:    now.Add(-s.config.Retention),
	}

	ids, err := s.store.ExpiredSessions(ctx, result.Cutoff, s.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list expired sessions failed")
		return result, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	result.SessionsFound = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.EndTime = s.config.Now()
			return result, err
		}
		if err := s.store.Delete(ctx, id); err != nil {
			slog.Warn("Failed to delete expired session", "sessionId", id, "error", err)
			result.Errors = append(result.Errors, CleanupError{SessionID: id, Err: err})
			continue
		}
		result.SessionsDeleted++
	}
	result.EndTime = s.config.Now()

	span.SetAttributes(
		attribute.Int("ttl.sessions_found", result.SessionsFound),
		attribute.Int("ttl.sessions_deleted", result.SessionsDeleted),
	)
	if s.observer != nil {
		s.observer.SessionsExpired(result.SessionsDeleted, len(result.Errors))
	}
	return result, nil
}
