// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxSessionIDLen matches the session_id limit on ChatRequest.
const maxSessionIDLen = 128

var errInvalidSessionID = errors.New("session id must be non-blank and at most 128 bytes")

// Summarizer summarizes a session. *services.Orchestrator implements it.
type Summarizer interface {
	SummarizeSession(ctx context.Context, sessionID string) string
}

// sessionIDParam reads and checks the :sessionId path parameter.
func sessionIDParam(c *gin.Context) (string, error) {
	id := c.Param("sessionId")
	if strings.TrimSpace(id) == "" || len(id) > maxSessionIDLen {
		return "", errInvalidSessionID
	}
	return id, nil
}

// HandleSessionSummary serves POST /v1/sessions/:sessionId/summary.
//
// SummarizeSession never fails; an unknown session yields the
// no-documents message with a 200.
func HandleSessionSummary(summarizer Summarizer, metrics *observability.Metrics, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleSessionSummary")
		defer span.End()

		sessionID, err := sessionIDParam(c)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			respondError(c, metrics, observability.EndpointSummary, http.StatusBadRequest, "invalid session id", err)
			return
		}
		span.SetAttributes(attribute.String("session.id", sessionID))

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		summary := summarizer.SummarizeSession(ctx, sessionID)
		slog.Info("Session summary served", "sessionId", sessionID, "summaryLength", len(summary))

		metrics.RecordRequest(observability.EndpointSummary, http.StatusOK)
		c.JSON(http.StatusOK, datatypes.SessionSummaryResponse{
			SessionID: sessionID,
			Summary:   summary,
		})
	}
}

// GetSessionHistory serves GET /v1/sessions/:sessionId/history.
func GetSessionHistory(admin services.SessionAdmin, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetSessionHistory")
		defer span.End()

		sessionID, err := sessionIDParam(c)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			respondError(c, metrics, observability.EndpointSessionHistory, http.StatusBadRequest, "invalid session id", err)
			return
		}

		turns, err := admin.History(ctx, sessionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to load session history", "sessionId", sessionID, "error", err)
			respondError(c, metrics, observability.EndpointSessionHistory, http.StatusBadGateway, "failed to load session history", nil)
			return
		}
		if turns == nil {
			turns = []datatypes.ConversationResult{}
		}

		metrics.RecordRequest(observability.EndpointSessionHistory, http.StatusOK)
		c.JSON(http.StatusOK, datatypes.SessionHistoryResponse{
			SessionID: sessionID,
			Turns:     turns,
		})
	}
}

// DeleteSession serves DELETE /v1/sessions/:sessionId.
func DeleteSession(admin services.SessionAdmin, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeleteSession")
		defer span.End()

		sessionID, err := sessionIDParam(c)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			respondError(c, metrics, observability.EndpointSessionDelete, http.StatusBadRequest, "invalid session id", err)
			return
		}

		if err := admin.Delete(ctx, sessionID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to delete session", "sessionId", sessionID, "error", err)
			respondError(c, metrics, observability.EndpointSessionDelete, http.StatusBadGateway, "failed to fully delete session", nil)
			return
		}

		metrics.RecordRequest(observability.EndpointSessionDelete, http.StatusOK)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}

// HealthCheck serves GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
