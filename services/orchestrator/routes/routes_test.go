// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPipeline struct{}

func (stubPipeline) Answer(context.Context, datatypes.Message) datatypes.ChatReply {
	return datatypes.ChatReply{ID: "r", Text: "ok", Sources: []string{}, Path: datatypes.PathRAG}
}

func (stubPipeline) SummarizeSession(context.Context, string) string { return "summary" }

type stubAdmin struct{}

func (stubAdmin) History(context.Context, string) ([]datatypes.ConversationResult, error) {
	return nil, nil
}

func (stubAdmin) Delete(context.Context, string) error { return nil }

func registered(router *gin.Engine) map[string]bool {
	out := map[string]bool{}
	for _, r := range router.Routes() {
		out[r.Method+" "+r.Path] = true
	}
	return out
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_Minimal(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, Dependencies{Answerer: stubPipeline{}, Summarizer: stubPipeline{}})

	routes := registered(router)
	assert.True(t, routes["GET /health"])
	assert.True(t, routes["POST /v1/chat"])
	assert.True(t, routes["POST /v1/sessions/:sessionId/summary"])
	assert.False(t, routes["GET /metrics"])
	assert.False(t, routes["GET /v1/sessions/:sessionId/history"])
	assert.False(t, routes["DELETE /v1/sessions/:sessionId"])
}

func TestSetupRoutes_WithSessionAdminAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	router := gin.New()
	SetupRoutes(router, Dependencies{
		Answerer:   stubPipeline{},
		Summarizer: stubPipeline{},
		Admin:      stubAdmin{},
		Metrics:    metrics,
		Gatherer:   reg,
	})

	routes := registered(router)
	assert.True(t, routes["GET /metrics"])
	assert.True(t, routes["GET /v1/sessions/:sessionId/history"])
	assert.True(t, routes["DELETE /v1/sessions/:sessionId"])

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aleutian_companion_requests_total{endpoint="chat",status="200"} 1`)
}

func TestSetupRoutes_UnknownRoute(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, Dependencies{Answerer: stubPipeline{}, Summarizer: stubPipeline{}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/documents", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
