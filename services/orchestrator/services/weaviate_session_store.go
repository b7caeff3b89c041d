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
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WeaviateSessionStore keeps sessions in the Session and Conversation
// classes.
//
// # Description
//
// Each exchange becomes one Conversation object with an inSession reference
// to its Session object. The Session object is created on the first
// exchange and carries the start time and the latest summary. Reads are
// ordered by timestamp ascending.
//
// # Thread Safety
//
// Safe for concurrent use; the Weaviate client is. Two first exchanges of
// the same session racing each other can create two Session objects; reads
// and deletes filter on session_id, so both are handled as one session.
type WeaviateSessionStore struct {
	client   *weaviate.Client
	maxTurns int
	now      func() time.Time
}

// NewWeaviateSessionStore creates a store. maxTurns <= 0 uses
// DefaultMaxSessionTurns.
func NewWeaviateSessionStore(client *weaviate.Client, maxTurns int) (*WeaviateSessionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client is nil")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxSessionTurns
	}
	return &WeaviateSessionStore{client: client, maxTurns: maxTurns, now: time.Now}, nil
}

// Record saves one exchange. A blank answer is not recorded. When the
// Session object cannot be found or created the exchange is still saved,
// without the reference.
func (s *WeaviateSessionStore) Record(ctx context.Context, sessionID string, msg datatypes.Message, reply datatypes.ChatReply) error {
	if strings.TrimSpace(reply.Text) == "" {
		return nil
	}
	ctx, span := tracer.Start(ctx, "WeaviateSessionStore.Record")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	now := s.now()
	properties := datatypes.NewConversation(sessionID, msg, reply).Properties(now).ToMap()

	objectID, err := s.sessionObjectID(ctx, sessionID, &now)
	if err != nil {
		slog.Warn("Saving exchange without session link", "sessionId", sessionID, "error", err)
	} else {
		properties["inSession"] = []map[string]string{{"beacon": sessionBeacon(objectID)}}
	}

	_, err = s.client.Data().Creator().
		WithClassName(datatypes.ConversationClass).
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record exchange failed")
		return fmt.Errorf("create conversation object: %w", err)
	}
	return nil
}

// sessionObjectID returns the Weaviate id of the Session object for
// sessionID. When none exists and createAt is non-nil, one is created with
// that start time; otherwise the returned id is empty.
func (s *WeaviateSessionStore) sessionObjectID(ctx context.Context, sessionID string, createAt *time.Time) (string, error) {
	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.SessionClass).
		WithWhere(sessionFilter(sessionID)).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("query session: %w", err)
	}
	found, err := datatypes.GetObjects[datatypes.SessionRecord](resp, datatypes.SessionClass)
	if err != nil {
		return "", fmt.Errorf("parse session: %w", err)
	}
	if len(found) > 0 && found[0].Additional.ID != "" {
		return found[0].Additional.ID, nil
	}
	if createAt == nil {
		return "", nil
	}
	return s.createSession(ctx, datatypes.NewSessionProperties(sessionID, *createAt))
}

func (s *WeaviateSessionStore) createSession(ctx context.Context, props datatypes.SessionProperties) (string, error) {
	created, err := s.client.Data().Creator().
		WithClassName(datatypes.SessionClass).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if created == nil || created.Object == nil {
		return "", fmt.Errorf("create session: empty response")
	}
	slog.Debug("Created session", "sessionId", props.SessionID)
	return created.Object.ID.String(), nil
}

// sessionBeacon is the reference value for a Session object. The host part
// of a Weaviate beacon is always "localhost".
func sessionBeacon(objectID string) string {
	return fmt.Sprintf("weaviate://localhost/%s/%s", datatypes.SessionClass, objectID)
}

func sessionFilter(sessionID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
}

// History returns the most recent maxTurns exchanges of sessionID, oldest
// first.
func (s *WeaviateSessionStore) History(ctx context.Context, sessionID string) ([]datatypes.ConversationResult, error) {
	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ConversationClass).
		WithWhere(sessionFilter(sessionID)).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc}).
		WithLimit(s.maxTurns).
		WithFields(
			graphql.Field{Name: "session_id"},
			graphql.Field{Name: "question"},
			graphql.Field{Name: "answer"},
			graphql.Field{Name: "path"},
			graphql.Field{Name: "timestamp"},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	turns, err := datatypes.GetObjects[datatypes.ConversationResult](resp, datatypes.ConversationClass)
	if err != nil {
		return nil, fmt.Errorf("parse session history: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

// SessionContent returns the recorded exchanges of sessionID as text.
func (s *WeaviateSessionStore) SessionContent(ctx context.Context, sessionID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSessionStore.SessionContent")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	turns, err := s.History(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	content := conversationText(turns)
	span.SetAttributes(attribute.Int("session.turns", len(content)))
	slog.Debug("Loaded session content", "sessionId", sessionID, "turns", len(content))
	return content, nil
}

// SaveSummary writes summary onto the session's Session object, creating
// the object when the session has none.
func (s *WeaviateSessionStore) SaveSummary(ctx context.Context, sessionID, summary string) error {
	ctx, span := tracer.Start(ctx, "WeaviateSessionStore.SaveSummary")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	objectID, err := s.sessionObjectID(ctx, sessionID, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if objectID == "" {
		props := datatypes.NewSessionProperties(sessionID, s.now())
		props.Summary = summary
		_, err = s.createSession(ctx, props)
		return err
	}

	err = s.client.Data().Updater().
		WithClassName(datatypes.SessionClass).
		WithID(objectID).
		WithMerge().
		WithProperties(map[string]interface{}{"summary": summary}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update session summary: %w", err)
	}
	return nil
}

// Delete removes every Conversation of sessionID, then the Session object.
func (s *WeaviateSessionStore) Delete(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "WeaviateSessionStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	for _, class := range []string{datatypes.ConversationClass, datatypes.SessionClass} {
		_, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithOutput("minimal").
			WithWhere(sessionFilter(sessionID)).
			Do(ctx)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("delete %s objects: %w", class, err)
		}
	}
	slog.Info("Deleted session", "sessionId", sessionID)
	return nil
}

// ExpiredSessions returns the ids of sessions whose Session object began
// before cutoff, oldest first.
func (s *WeaviateSessionStore) ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSessionStore.ExpiredSessions")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"timestamp"}).
		WithOperator(filters.LessThan).
		WithValueNumber(float64(cutoff.UnixMilli()))

	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.SessionClass).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Asc}).
		WithLimit(limit).
		WithFields(graphql.Field{Name: "session_id"}, graphql.Field{Name: "timestamp"}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	sessions, err := datatypes.GetObjects[datatypes.SessionRecord](resp, datatypes.SessionClass)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse expired sessions: %w", err)
	}

	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		if sess.SessionID != "" {
			ids = append(ids, sess.SessionID)
		}
	}
	span.SetAttributes(attribute.Int("sessions.expired", len(ids)))
	return ids, nil
}
