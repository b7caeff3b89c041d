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
	"log/slog"

	"github.com/AleutianAI/AleutianCompanion/pkg/extensions"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/prompts"
	"github.com/AleutianAI/AleutianCompanion/services/retrieval"
	"github.com/AleutianAI/AleutianCompanion/services/safety"
	"go.opentelemetry.io/otel/attribute"
)

// turn is the call-local input to a response path.
type turn struct {
	id   string
	msg  datatypes.Message
	risk safety.RiskAssessment
}

// pathResult is what a response path produced.
type pathResult struct {
	text    string
	sources []string
	outcome Outcome
}

// responsePath is one branch of the answer state machine. Exactly one runs
// per call, chosen by selectPath.
type responsePath interface {
	name() string
	respond(ctx context.Context, o *Orchestrator, t turn) pathResult
}

// selectPath dispatches on the risk assessment.
func selectPath(risk safety.RiskAssessment) responsePath {
	if risk.IsRisk {
		return crisisPath{}
	}
	return ragPath{}
}

// generate resolves kind and makes the single model call. A resolution
// failure is a programming error (builtins are validated at construction)
// and yields the unexpected fallback without calling the model.
func (o *Orchestrator) generate(ctx context.Context, kind prompts.Kind, language string, vars map[string]string) pathResult {
	tmpl, err := o.templates.Resolve(ctx, kind, language)
	if err != nil {
		slog.Error("Template resolution failed", "kind", kind, "language", language, "error", err)
		return pathResult{text: UnexpectedFallbackReply, outcome: OutcomeUnexpectedFailure}
	}
	result := o.generator.GenerateResult(ctx, tmpl, vars)
	return pathResult{text: result.Reply(), outcome: result.Outcome}
}

// =============================================================================
// Crisis Path
// =============================================================================

// crisisPath answers without retrieval so that a crisis reply never depends
// on a knowledge source being up.
type crisisPath struct{}

func (crisisPath) name() string { return datatypes.PathCrisis }

func (crisisPath) respond(ctx context.Context, o *Orchestrator, t turn) pathResult {
	ctx, span := tracer.Start(ctx, "crisisPath.respond")
	defer span.End()

	slog.Warn("Risk detected, routing to crisis response",
		"replyId", t.id,
		"matchedKeyword", t.risk.MatchedKeyword,
		"language", t.risk.Language)

	if err := o.audit.Log(ctx, extensions.AuditEvent{
		EventType:    extensions.EventCrisisRouted,
		ResourceType: "reply",
		ResourceID:   t.id,
		Outcome:      "routed",
		Metadata: map[string]any{
			"matched_keyword": t.risk.MatchedKeyword,
			"language":        t.risk.Language,
		},
	}); err != nil {
		slog.Error("Failed to record crisis audit event", "replyId", t.id, "error", err)
	}

	vars := map[string]string{
		"query":   t.msg.Text,
		"input":   t.msg.Text,
		"context": "",
	}
	return o.generate(ctx, prompts.KindCrisis, t.msg.Language, vars)
}

// =============================================================================
// RAG Path
// =============================================================================

// ragPath retrieves across every configured namespace and grounds the reply
// in the merged context.
type ragPath struct{}

func (ragPath) name() string { return datatypes.PathRAG }

func (ragPath) respond(ctx context.Context, o *Orchestrator, t turn) pathResult {
	ctx, span := tracer.Start(ctx, "ragPath.respond")
	defer span.End()

	block, err := o.retriever.Query(ctx, t.msg.Text, o.namespaces, o.topK)
	if err != nil {
		// Namespaces and k are validated at construction; reaching this is
		// a configuration drift, not a runtime condition.
		span.RecordError(err)
		slog.Error("Retrieval failed, continuing with empty context", "replyId", t.id, "error", err)
		block = retrieval.ContextBlock{}
	}
	span.SetAttributes(
		attribute.Int("context.documents", len(block.Documents)),
		attribute.Int("context.chars", block.Len()),
	)

	vars := map[string]string{
		"input":   t.msg.Text,
		"query":   t.msg.Text,
		"context": block.Text(),
		"history": t.msg.RecentHistoryText(o.maxHistoryChars),
	}
	res := o.generate(ctx, prompts.KindSystem, t.msg.Language, vars)
	res.sources = block.SourceStrings()
	return res
}
