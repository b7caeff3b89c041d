// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the components the HTTP surface calls into.
//
//   - Answerer, Summarizer: Required. Usually the same *services.Orchestrator.
//   - Recorder: Optional. Chat exchanges with a session_id are stored here.
//   - Admin: Optional. Without it the session history and delete routes are
//     not registered.
//   - Metrics: Optional.
//   - Gatherer: Optional. When set, GET /metrics serves it.
//   - RequestTimeout: Deadline applied to each chat and summary request.
type Dependencies struct {
	Answerer       handlers.Answerer
	Summarizer     handlers.Summarizer
	Recorder       services.SessionRecorder
	Admin          services.SessionAdmin
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat(deps.Answerer, deps.Recorder, deps.Metrics, deps.RequestTimeout))

		sessions := v1.Group("/sessions")
		{
			sessions.POST("/:sessionId/summary", handlers.HandleSessionSummary(deps.Summarizer, deps.Metrics, deps.RequestTimeout))
			if deps.Admin != nil {
				sessions.GET("/:sessionId/history", handlers.GetSessionHistory(deps.Admin, deps.Metrics))
				sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Admin, deps.Metrics))
			}
		}
	}
}
