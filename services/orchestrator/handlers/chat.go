// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the companion pipeline over HTTP with gin.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.companion.handlers")

// recordTimeout bounds session recording. Recording runs detached from the
// request deadline so a turn that timed out is still stored.
const recordTimeout = 5 * time.Second

// Answerer produces one reply per message. *services.Orchestrator
// implements it.
type Answerer interface {
	Answer(ctx context.Context, msg datatypes.Message) datatypes.ChatReply
}

// HandleChat serves POST /v1/chat.
//
// # Description
//
// Binds and validates a ChatRequest, then runs one Answer call under
// timeout. Answer never fails, so every well-formed request gets a 200 with
// a ChatReply. When the request carries a session_id and recorder is
// non-nil, the exchange is recorded, including turns that hit the request
// deadline; a recording failure is logged and does not change the response.
//
// # Inputs
//
//   - answerer: Required.
//   - recorder: Optional session store.
//   - metrics: Optional.
//   - timeout: Per-request deadline. Zero means the client connection's
//     lifetime only.
func HandleChat(answerer Answerer, recorder services.SessionRecorder, metrics *observability.Metrics, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("Failed to parse the chat request", "error", err)
			respondError(c, metrics, observability.EndpointChat, http.StatusBadRequest, "invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("Chat request failed validation", "error", err)
			respondError(c, metrics, observability.EndpointChat, http.StatusBadRequest, "invalid request", err)
			return
		}
		span.SetAttributes(
			attribute.String("request.language", req.Language),
			attribute.Int("request.history_turns", len(req.History)),
			attribute.Bool("request.has_session", req.SessionID != ""),
		)

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		msg := req.ToMessage()
		reply := answerer.Answer(ctx, msg)

		if req.SessionID != "" && recorder != nil {
			recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
			err := recorder.Record(recordCtx, req.SessionID, msg, reply)
			cancel()
			if err != nil {
				span.RecordError(err)
				slog.Error("Failed to record chat exchange", "sessionId", req.SessionID, "replyId", reply.ID, "error", err)
			}
		}

		metrics.RecordRequest(observability.EndpointChat, http.StatusOK)
		c.JSON(http.StatusOK, reply)
	}
}

// respondError writes an ErrorResponse and counts it.
func respondError(c *gin.Context, metrics *observability.Metrics, endpoint observability.Endpoint, status int, msg string, err error) {
	body := datatypes.ErrorResponse{Error: msg}
	if err != nil {
		body.Details = err.Error()
	}
	metrics.RecordRequest(endpoint, status)
	c.JSON(status, body)
}
