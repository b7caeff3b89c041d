// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the companion's conversation pipeline.
//
// This package contains the Orchestrator, which answers one message by
// classifying risk and then running exactly one of two response paths:
//   - Crisis path: a crisis template with empty context, no retrieval
//   - RAG path: namespace retrieval, then the system template
//
// and the ReplyGenerator, which turns one model call into a reply that is
// never empty. Dependencies are injected via constructors; the Orchestrator
// holds no per-call state and is safe for concurrent use.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/pkg/extensions"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/prompts"
	"github.com/AleutianAI/AleutianCompanion/services/retrieval"
	"github.com/AleutianAI/AleutianCompanion/services/safety"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.companion.services")

// ErrInvalidConfiguration wraps every construction-time validation failure.
var ErrInvalidConfiguration = errors.New("invalid orchestrator configuration")

// NoDocumentsMessage is returned by SummarizeSession when the session has no
// content. No model call is made in that case.
const NoDocumentsMessage = "No documents provided."

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// RiskClassifier is satisfied by *safety.RiskDetector.
type RiskClassifier interface {
	Classify(message, language string) safety.RiskAssessment
}

// TemplateResolver is satisfied by *prompts.Store.
type TemplateResolver interface {
	Resolve(ctx context.Context, kind prompts.Kind, language string) (prompts.Template, error)
}

// ContextRetriever is satisfied by *retrieval.Aggregator.
type ContextRetriever interface {
	Query(ctx context.Context, text string, namespaces []retrieval.Namespace, k int) (retrieval.ContextBlock, error)
}

// =============================================================================
// Orchestrator
// =============================================================================

// OrchestratorDeps lists everything an Orchestrator needs. Construct once per
// process and pass to NewOrchestrator.
//
// # Fields
//
//   - Generator: Required. Makes the single model call per turn.
//   - Detector: Required.
//   - Templates: Required.
//   - Retriever: Required.
//   - Namespaces: Required, at least one. Queried on every RAG turn.
//   - TopK: Required, > 0. Per-namespace result count.
//   - MaxContextChars: Cap for summarize input. Zero uses
//     retrieval.DefaultMaxContextChars.
//   - MaxHistoryChars: Cap for caller history rendered into the prompt.
//     Zero uses MaxContextChars.
//   - DefaultLanguage: Template language for summaries. Default "en".
//   - Sessions: Optional. Without it every summary is NoDocumentsMessage.
//   - Audit: Optional. Receives one event per crisis routing.
//   - Metrics: Optional.
type OrchestratorDeps struct {
	Generator       *ReplyGenerator
	Detector        RiskClassifier
	Templates       TemplateResolver
	Retriever       ContextRetriever
	Namespaces      []retrieval.Namespace
	TopK            int
	MaxContextChars int
	MaxHistoryChars int
	DefaultLanguage string
	Sessions        SessionSource
	Audit           extensions.AuditLogger
	Metrics         *observability.Metrics
}

// Orchestrator answers messages and summarizes sessions.
//
// # Thread Safety
//
// Immutable after construction. Multiple Answer and SummarizeSession calls
// may run concurrently; all per-call data is call-local.
type Orchestrator struct {
	generator       *ReplyGenerator
	detector        RiskClassifier
	templates       TemplateResolver
	retriever       ContextRetriever
	namespaces      []retrieval.Namespace
	topK            int
	maxContextChars int
	maxHistoryChars int
	defaultLanguage string
	sessions        SessionSource
	audit           extensions.AuditLogger
	metrics         *observability.Metrics
}

// NewOrchestrator validates deps and builds an Orchestrator.
//
// # Description
//
// Misconfiguration is reported here, loudly, so that Answer never has to
// fail. The built-in templates are checked because they are the last
// resolution tier.
//
// # Outputs
//
//   - *Orchestrator: Ready to use.
//   - error: Wraps ErrInvalidConfiguration.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	switch {
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: reply generator is nil", ErrInvalidConfiguration)
	case deps.Detector == nil:
		return nil, fmt.Errorf("%w: risk detector is nil", ErrInvalidConfiguration)
	case deps.Templates == nil:
		return nil, fmt.Errorf("%w: template store is nil", ErrInvalidConfiguration)
	case deps.Retriever == nil:
		return nil, fmt.Errorf("%w: retriever is nil", ErrInvalidConfiguration)
	case len(deps.Namespaces) == 0:
		return nil, fmt.Errorf("%w: no namespaces configured", ErrInvalidConfiguration)
	case deps.TopK <= 0:
		return nil, fmt.Errorf("%w: top-k must be positive, got %d", ErrInvalidConfiguration, deps.TopK)
	case deps.MaxContextChars < 0:
		return nil, fmt.Errorf("%w: negative max context chars", ErrInvalidConfiguration)
	case deps.MaxHistoryChars < 0:
		return nil, fmt.Errorf("%w: negative max history chars", ErrInvalidConfiguration)
	}
	seen := make(map[retrieval.Namespace]bool, len(deps.Namespaces))
	for _, ns := range deps.Namespaces {
		if ns == "" || seen[ns] {
			return nil, fmt.Errorf("%w: empty or duplicate namespace %q", ErrInvalidConfiguration, ns)
		}
		seen[ns] = true
	}
	if err := prompts.ValidateBuiltins(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	o := &Orchestrator{
		generator:       deps.Generator,
		detector:        deps.Detector,
		templates:       deps.Templates,
		retriever:       deps.Retriever,
		namespaces:      append([]retrieval.Namespace(nil), deps.Namespaces...),
		topK:            deps.TopK,
		maxContextChars: deps.MaxContextChars,
		maxHistoryChars: deps.MaxHistoryChars,
		defaultLanguage: strings.TrimSpace(deps.DefaultLanguage),
		sessions:        deps.Sessions,
		audit:           deps.Audit,
		metrics:         deps.Metrics,
	}
	if o.maxContextChars == 0 {
		o.maxContextChars = retrieval.DefaultMaxContextChars
	}
	if o.maxHistoryChars == 0 {
		o.maxHistoryChars = o.maxContextChars
	}
	if o.defaultLanguage == "" {
		o.defaultLanguage = "en"
	}
	if o.audit == nil {
		o.audit = &extensions.NopAuditLogger{}
	}
	return o, nil
}

// Answer runs the pipeline for one message.
//
// # Description
//
// Start → RiskCheck → {CrisisRespond | RagRetrieve → RagGenerate} → Done.
// Exactly one path runs. Retrieval, template and model failures are
// absorbed; the reply text is never empty.
//
// # Inputs
//
//   - ctx: Owned by the caller. Cancelling it abandons in-flight retrieval
//     and the model call; the reply is then a fallback.
//   - msg: The message, its optional language and caller-provided history.
//
// # Outputs
//
//   - datatypes.ChatReply: Always populated. Sources is empty on the crisis
//     path.
func (o *Orchestrator) Answer(ctx context.Context, msg datatypes.Message) datatypes.ChatReply {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Orchestrator.Answer")
	defer span.End()

	replyID := uuid.NewString()
	risk := o.detector.Classify(msg.Text, msg.Language)
	path := selectPath(risk)
	span.SetAttributes(
		attribute.String("reply.id", replyID),
		attribute.String("answer.path", path.name()),
		attribute.String("risk.language", risk.Language),
	)

	res := path.respond(ctx, o, turn{id: replyID, msg: msg, risk: risk})

	sources := res.sources
	if sources == nil {
		sources = []string{}
	}
	elapsed := time.Since(start)
	o.metrics.RecordAnswer(path.name(), elapsed.Seconds())
	slog.Info("Answered message",
		"replyId", replyID,
		"path", path.name(),
		"sources", len(sources),
		"outcome", res.outcome.String(),
		"duration", elapsed)

	return datatypes.ChatReply{
		ID:           replyID,
		Text:         res.text,
		Sources:      sources,
		Path:         path.name(),
		RiskDetected: risk.IsRisk,
	}
}

// SummarizeSession summarizes the stored content of one session.
//
// # Description
//
// Fetches session content from the SessionSource. No content returns
// NoDocumentsMessage without a model call. A fetch failure returns
// RecoverableFallbackReply. Otherwise the content is capped to the
// configured character limit, keeping the most recent text, and rendered
// into the summarize template. When the SessionSource also implements
// SummaryWriter, a successful summary is written back.
//
// # Outputs
//
//   - string: Never empty.
func (o *Orchestrator) SummarizeSession(ctx context.Context, sessionID string) string {
	ctx, span := tracer.Start(ctx, "Orchestrator.SummarizeSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if o.sessions == nil || strings.TrimSpace(sessionID) == "" {
		return NoDocumentsMessage
	}

	parts, err := o.sessions.SessionContent(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Failed to fetch session content", "sessionId", sessionID, "error", err)
		return RecoverableFallbackReply
	}
	content := joinSessionContent(parts)
	if content == "" {
		slog.Info("Session has no content, skipping model call", "sessionId", sessionID)
		return NoDocumentsMessage
	}
	content = keepTail(content, o.maxContextChars)

	tmpl, err := o.templates.Resolve(ctx, prompts.KindSummarize, o.defaultLanguage)
	if err != nil {
		span.RecordError(err)
		slog.Error("Summarize template resolution failed", "error", err)
		return UnexpectedFallbackReply
	}

	result := o.generator.GenerateResult(ctx, tmpl, map[string]string{"input": content})
	if result.Outcome == OutcomeSuccess {
		o.saveSummary(ctx, sessionID, result.Text)
	}
	return result.Reply()
}

func (o *Orchestrator) saveSummary(ctx context.Context, sessionID, summary string) {
	writer, ok := o.sessions.(SummaryWriter)
	if !ok {
		return
	}
	if err := writer.SaveSummary(ctx, sessionID, summary); err != nil {
		slog.Warn("Failed to save session summary", "sessionId", sessionID, "error", err)
	}
}

// Namespaces returns the namespaces queried on the RAG path.
func (o *Orchestrator) Namespaces() []retrieval.Namespace {
	return append([]retrieval.Namespace(nil), o.namespaces...)
}

// joinSessionContent drops blank parts and joins the rest.
func joinSessionContent(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// keepTail returns the last maxRunes runes of s.
func keepTail(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[len(r)-maxRunes:])
}
