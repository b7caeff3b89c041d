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
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Badger Store
// =============================================================================

// Key layout. Session ids are hex-encoded so an id can never be a prefix of
// another id's keys.
//
//	m/<hex id>                   session metadata (datatypes.SessionProperties)
//	t/<hex id>/<%020d unix ns>-<hash8>  one exchange (datatypes.ConversationProperties)
const (
	metaPrefix = "m/"
	turnPrefix = "t/"
)

// BadgerSessionConfig configures a BadgerSessionStore.
//
// # Fields
//
//   - Path: Database directory. Empty opens an in-memory database.
//   - MaxTurns: Bound on exchanges read per session. <= 0 uses
//     DefaultMaxSessionTurns.
//   - SyncWrites: fsync every commit. Ignored in memory.
//   - Logger: Receives Badger's internal log lines. Nil silences them.
type BadgerSessionConfig struct {
	Path       string
	MaxTurns   int
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerSessionStore keeps sessions in an embedded Badger database, for
// deployments without Weaviate.
//
// # Description
//
// Implements the same surface as WeaviateSessionStore: recording, history,
// summaries, deletion and expiry listing. Exchanges are keyed by session and
// write time, so a prefix scan returns them oldest first.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions are.
type BadgerSessionStore struct {
	db       *badger.DB
	maxTurns int
	now      func() time.Time
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadgerSessionStore opens (creating if needed) the database.
//
// # Outputs
//
//   - *BadgerSessionStore: Caller must Close it.
//   - error: Non-nil if the directory cannot be created or the database
//     cannot be opened (for example, another process holds its lock).
func OpenBadgerSessionStore(cfg BadgerSessionConfig) (*BadgerSessionStore, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create session database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxSessionTurns
	}
	slog.Info("Session database opened", "path", cfg.Path, "inMemory", cfg.Path == "")
	return &BadgerSessionStore{db: db, maxTurns: maxTurns, now: time.Now}, nil
}

// Close releases the database.
func (s *BadgerSessionStore) Close() error {
	return s.db.Close()
}

func metaKey(sessionID string) []byte {
	return []byte(metaPrefix + hex.EncodeToString([]byte(sessionID)))
}

func turnKeyPrefix(sessionID string) []byte {
	return []byte(turnPrefix + hex.EncodeToString([]byte(sessionID)) + "/")
}

func turnKey(sessionID string, at time.Time, turnHash string) []byte {
	return append(turnKeyPrefix(sessionID), fmt.Sprintf("%020d-%s", at.UnixNano(), turnHash[:8])...)
}

// Record saves one exchange, creating the session on first use. An empty
// answer is not recorded.
func (s *BadgerSessionStore) Record(ctx context.Context, sessionID string, msg datatypes.Message, reply datatypes.ChatReply) error {
	if strings.TrimSpace(reply.Text) == "" {
		return nil
	}
	ctx, span := tracer.Start(ctx, "BadgerSessionStore.Record")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	now := s.now()
	props := datatypes.NewConversation(sessionID, msg, reply).Properties(now)
	value, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode exchange: %w", err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := ensureSessionMeta(txn, sessionID, now); err != nil {
			return err
		}
		return txn.Set(turnKey(sessionID, now, props.TurnHash), value)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// ensureSessionMeta creates the metadata record if it does not exist.
func ensureSessionMeta(txn *badger.Txn, sessionID string, now time.Time) error {
	_, err := txn.Get(metaKey(sessionID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return putSessionMeta(txn, datatypes.NewSessionProperties(sessionID, now))
}

func putSessionMeta(txn *badger.Txn, meta datatypes.SessionProperties) error {
	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return txn.Set(metaKey(meta.SessionID), value)
}

// History returns the most recent maxTurns exchanges of sessionID, oldest
// first.
func (s *BadgerSessionStore) History(ctx context.Context, sessionID string) ([]datatypes.ConversationResult, error) {
	var turns []datatypes.ConversationResult
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := turnKeyPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Turn keys end in decimal digits, so prefix+0xFF sorts after all of them.
		for it.Seek(append(append([]byte(nil), prefix...), 0xFF)); it.ValidForPrefix(prefix) && len(turns) < s.maxTurns; it.Next() {
			var props datatypes.ConversationProperties
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &props) }); err != nil {
				return err
			}
			turns = append(turns, props.Result())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

// SessionContent returns the recorded exchanges of sessionID as text.
func (s *BadgerSessionStore) SessionContent(ctx context.Context, sessionID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "BadgerSessionStore.SessionContent")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	turns, err := s.History(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return conversationText(turns), nil
}

// SaveSummary stores summary on the session, creating it if needed.
func (s *BadgerSessionStore) SaveSummary(ctx context.Context, sessionID, summary string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		meta := datatypes.SessionProperties{SessionID: sessionID, Timestamp: s.now().UnixMilli()}
		item, err := txn.Get(metaKey(sessionID))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &meta) }); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		meta.Summary = summary
		return putSessionMeta(txn, meta)
	})
	if err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	return nil
}

// Delete removes every exchange of sessionID, then its metadata.
func (s *BadgerSessionStore) Delete(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "BadgerSessionStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var keys [][]byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := turnKeyPrefix(sessionID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list session exchanges: %w", err)
	}
	keys = append(keys, metaKey(sessionID))

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			span.RecordError(err)
			return fmt.Errorf("delete session: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete session: %w", err)
	}
	slog.Info("Deleted session", "sessionId", sessionID, "exchanges", len(keys)-1)
	return nil
}

// ExpiredSessions returns the ids of sessions that began before cutoff,
// oldest first.
func (s *BadgerSessionStore) ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var expired []datatypes.SessionProperties
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(metaPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta datatypes.SessionProperties
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &meta) }); err != nil {
				return err
			}
			if meta.Timestamp < cutoff.UnixMilli() {
				expired = append(expired, meta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}

	sort.SliceStable(expired, func(i, j int) bool { return expired[i].Timestamp < expired[j].Timestamp })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, meta := range expired {
		ids[i] = meta.SessionID
	}
	return ids, nil
}

func (s *BadgerSessionStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BadgerSessionStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}
