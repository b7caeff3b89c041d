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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/llm"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/prompts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Fixed user-facing replies substituted for a failed model call. They differ
// only so operators can tell the failure classes apart in transcripts; both
// keep the same tone.
const (
	// RecoverableFallbackReply is used for timeouts, cancellations, rate
	// limits and temporarily unavailable providers.
	RecoverableFallbackReply = "I'm having a little trouble responding right now. " +
		"Please try again in a moment. I'm still here for you."

	// UnexpectedFallbackReply is used for every other failure.
	UnexpectedFallbackReply = "Something went wrong on my side and I couldn't finish that reply. " +
		"Please try again. If you need support right now, reach out to someone you trust or a local crisis line."
)

// =============================================================================
// Generation Result
// =============================================================================

// Outcome classifies one model call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRecoverableFailure
	OutcomeUnexpectedFailure
)

// String returns the metric label for o.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverableFailure:
		return "recoverable_failure"
	default:
		return "unexpected_failure"
	}
}

// GenerationResult is the explicit outcome of one generation.
//
// # Fields
//
//   - Outcome: Success, RecoverableFailure or UnexpectedFailure.
//   - Text: The model's text on success, empty otherwise.
//   - Err: The underlying error on failure, for logs only.
type GenerationResult struct {
	Outcome Outcome
	Text    string
	Err     error
}

// Reply returns the text to show the user: the model text on success, the
// matching fallback string otherwise. Never empty.
func (r GenerationResult) Reply() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return r.Text
	case OutcomeRecoverableFailure:
		return RecoverableFallbackReply
	default:
		return UnexpectedFallbackReply
	}
}

// =============================================================================
// ReplyGenerator
// =============================================================================

// ReplyGeneratorConfig configures a ReplyGenerator.
type ReplyGeneratorConfig struct {
	// Timeout bounds the model call on top of the caller's deadline. Zero
	// means only the caller's deadline applies.
	Timeout time.Duration

	// Params are passed to every model call.
	Params llm.GenerationParams

	// Metrics records outcomes. Optional.
	Metrics *observability.Metrics
}

// ReplyGenerator renders a template and makes exactly one model call.
//
// # Thread Safety
//
// Safe for concurrent use; it holds only read-only configuration.
type ReplyGenerator struct {
	client  llm.LLMClient
	timeout time.Duration
	params  llm.GenerationParams
	metrics *observability.Metrics
}

// NewReplyGenerator creates a ReplyGenerator over client.
func NewReplyGenerator(client llm.LLMClient, cfg ReplyGeneratorConfig) (*ReplyGenerator, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: LLM client is nil", ErrInvalidConfiguration)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative generation timeout", ErrInvalidConfiguration)
	}
	return &ReplyGenerator{
		client:  client,
		timeout: cfg.Timeout,
		params:  cfg.Params,
		metrics: cfg.Metrics,
	}, nil
}

// GenerateResult renders tmpl with vars and calls the model once.
//
// # Description
//
// The call is never retried. Any error, an empty completion, or a panic in
// the client is classified into a failure Outcome; nothing is returned as an
// error.
//
// # Inputs
//
//   - ctx: Caller's context. Cancellation aborts the model call and yields a
//     recoverable failure.
//   - tmpl: Resolved template.
//   - vars: Placeholder values. Missing placeholders render empty.
//
// # Outputs
//
//   - GenerationResult: Always populated.
func (g *ReplyGenerator) GenerateResult(ctx context.Context, tmpl prompts.Template, vars map[string]string) (result GenerationResult) {
	ctx, span := tracer.Start(ctx, "ReplyGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("template.kind", string(tmpl.Kind)),
		attribute.String("template.tier", string(tmpl.Tier)),
	)

	start := time.Now()
	defer func() {
		g.metrics.RecordGeneration(string(tmpl.Kind), result.Outcome.String())
		span.SetAttributes(attribute.String("generation.outcome", result.Outcome.String()))
		if result.Outcome != OutcomeSuccess {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Outcome.String())
			slog.Warn("Generation failed, using fallback reply",
				"kind", tmpl.Kind,
				"outcome", result.Outcome.String(),
				"duration", time.Since(start),
				"error", result.Err)
		}
	}()

	prompt := tmpl.Render(vars)

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	text, err := g.call(callCtx, prompt)
	if err != nil {
		return GenerationResult{Outcome: classifyGenerationError(err), Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return GenerationResult{Outcome: OutcomeUnexpectedFailure, Err: llm.ErrEmptyCompletion}
	}
	return GenerationResult{Outcome: OutcomeSuccess, Text: text}
}

// Generate is GenerateResult reduced to the user-facing string.
func (g *ReplyGenerator) Generate(ctx context.Context, tmpl prompts.Template, vars map[string]string) string {
	return g.GenerateResult(ctx, tmpl, vars).Reply()
}

func (g *ReplyGenerator) call(ctx context.Context, prompt string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("LLM client panicked: %v", r)
		}
	}()
	return g.client.Generate(ctx, prompt, g.params)
}

// classifyGenerationError separates transient conditions from everything
// else.
func classifyGenerationError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeRecoverableFailure
	}
	if errors.Is(err, llm.ErrRateLimited) {
		return OutcomeRecoverableFailure
	}
	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Recoverable() {
			return OutcomeRecoverableFailure
		}
		return OutcomeUnexpectedFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeRecoverableFailure
	}
	return OutcomeUnexpectedFailure
}
