// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► reuse or mint X-Request-ID, store in context
//	   │
//	   ▼
//	otelgin (optional) ──► server span in the request context
//	   │
//	   ▼
//	AccessLog ──► one slog record per request after the handler returns,
//	              carrying the trace id when a span is recording
//	   │
//	   ▼
//	Handler (retrieves via GetRequestID)
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "companion.request_id"

	maxRequestIDLen = 128
)

// =============================================================================
// Middleware
// =============================================================================

// RequestID reuses a caller-supplied X-Request-ID or mints a UUID, stores it
// in the gin context and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AccessLog writes one structured record per request. Bodies are never
// logged; they may contain the user's disclosures.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"latencyMs", time.Since(start).Milliseconds(),
			"requestId", GetRequestID(c),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			attrs = append(attrs, "traceId", sc.TraceID().String())
		}
		switch {
		case status >= 500:
			logger.Error("HTTP request", attrs...)
		case status >= 400:
			logger.Warn("HTTP request", attrs...)
		default:
			logger.Info("HTTP request", attrs...)
		}
	}
}

// GetRequestID returns the id stored by RequestID, or "" when the middleware
// did not run.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
