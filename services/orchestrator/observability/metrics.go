// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for the companion pipeline.
// Metrics include:
//   - Answers by path (crisis, rag) and their latency
//   - Generation outcomes (success, recoverable, unexpected) by template kind
//   - Fallback events: prompt template tiers, risk keyword languages,
//     failed retrieval namespaces
//   - HTTP requests by endpoint and status
//   - Expired sessions removed by the retention scheduler
//
// Metrics implements the observer interfaces of the safety, prompts,
// retrieval and ttl packages so those packages stay free of Prometheus.
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for companion metrics
const companionSubsystem = "companion"

// Metrics holds all Prometheus metrics for the companion pipeline.
//
// # Fields
//
//   - AnswersTotal: Counter of answers by path
//   - AnswerDurationSeconds: Histogram of answer latency by path
//   - GenerationOutcomesTotal: Counter of model call outcomes
//   - PromptFallbacksTotal: Counter of template tier misses
//   - RiskLanguageFallbacksTotal: Counter of keyword language fallbacks
//   - NamespaceFailuresTotal: Counter of failed namespace searches
//   - RequestsTotal: Counter of HTTP requests by endpoint and status
//   - ExpiredSessionsTotal: Counter of retention deletes by result
type Metrics struct {
	// Labels: path (crisis, rag)
	AnswersTotal *prometheus.CounterVec

	// Labels: path (crisis, rag)
	AnswerDurationSeconds *prometheus.HistogramVec

	// Labels: kind (system, crisis, summarize), outcome (success,
	// recoverable_failure, unexpected_failure)
	GenerationOutcomesTotal *prometheus.CounterVec

	// Labels: kind, tier (language, generic)
	PromptFallbacksTotal *prometheus.CounterVec

	// Labels: used (default keyword language)
	RiskLanguageFallbacksTotal *prometheus.CounterVec

	// Labels: namespace
	NamespaceFailuresTotal *prometheus.CounterVec

	// Labels: endpoint, status
	RequestsTotal *prometheus.CounterVec

	// Labels: result (deleted, failed)
	ExpiredSessionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all companion metrics on reg.
//
// # Description
//
// Metrics are registered on reg, not the global default registry.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AnswersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "answers_total",
				Help:      "Total answers by response path",
			},
			[]string{"path"},
		),

		AnswerDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "answer_duration_seconds",
				Help:      "End-to-end answer latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"path"},
		),

		GenerationOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "generation_outcomes_total",
				Help:      "Language model call outcomes by template kind",
			},
			[]string{"kind", "outcome"},
		),

		PromptFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "prompt_fallbacks_total",
				Help:      "Prompt template resolution tiers that had nothing",
			},
			[]string{"kind", "tier"},
		),

		RiskLanguageFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "risk_language_fallbacks_total",
				Help:      "Risk checks that used the default keyword language",
			},
			[]string{"used"},
		),

		NamespaceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "retrieval_namespace_failures_total",
				Help:      "Namespace searches that failed and contributed no documents",
			},
			[]string{"namespace"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "requests_total",
				Help:      "HTTP requests by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),

		ExpiredSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: companionSubsystem,
				Name:      "expired_sessions_total",
				Help:      "Sessions past retention, by delete result",
			},
			[]string{"result"},
		),
	}
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels HTTP request metrics.
type Endpoint string

const (
	EndpointChat           Endpoint = "chat"
	EndpointSummary        Endpoint = "session_summary"
	EndpointSessionHistory Endpoint = "session_history"
	EndpointSessionDelete  Endpoint = "session_delete"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAnswer records one completed answer.
func (m *Metrics) RecordAnswer(path string, seconds float64) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(path).Inc()
	m.AnswerDurationSeconds.WithLabelValues(path).Observe(seconds)
}

// RecordGeneration records one model call outcome.
func (m *Metrics) RecordGeneration(kind, outcome string) {
	if m == nil {
		return
	}
	m.GenerationOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(endpoint Endpoint, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), strconv.Itoa(status)).Inc()
}

// TemplateFallback implements prompts.FallbackObserver. The language is not
// a label; it is caller-supplied and would be unbounded.
func (m *Metrics) TemplateFallback(kind, _ string, missedTier string) {
	if m == nil {
		return
	}
	m.PromptFallbacksTotal.WithLabelValues(kind, missedTier).Inc()
}

// RiskLanguageFallback implements safety.LanguageFallbackObserver.
func (m *Metrics) RiskLanguageFallback(_ string, used string) {
	if m == nil {
		return
	}
	m.RiskLanguageFallbacksTotal.WithLabelValues(used).Inc()
}

// NamespaceFailure implements retrieval.FailureObserver.
func (m *Metrics) NamespaceFailure(namespace string) {
	if m == nil {
		return
	}
	m.NamespaceFailuresTotal.WithLabelValues(namespace).Inc()
}

// SessionsExpired implements ttl.Observer.
func (m *Metrics) SessionsExpired(deleted, failed int) {
	if m == nil {
		return
	}
	m.ExpiredSessionsTotal.WithLabelValues("deleted").Add(float64(deleted))
	m.ExpiredSessionsTotal.WithLabelValues("failed").Add(float64(failed))
}
