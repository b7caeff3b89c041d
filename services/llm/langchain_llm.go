// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const anthropicSecretPath = "/run/secrets/anthropic_api_key"

// LangChainClient adapts any langchaingo model to LLMClient.
type LangChainClient struct {
	model    llms.Model
	provider string
	name     string
}

// NewLangChainClient wraps model. provider and name are used for logs and
// spans only.
func NewLangChainClient(model llms.Model, provider, name string) (*LangChainClient, error) {
	if model == nil {
		return nil, fmt.Errorf("langchain model is nil")
	}
	return &LangChainClient{model: model, provider: provider, name: name}, nil
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewAnthropicClient builds a LangChainClient over langchaingo's Anthropic
// model.
func NewAnthropicClient(cfg AnthropicConfig) (*LangChainClient, error) {
	apiKey := resolveAPIKey(cfg.APIKey, anthropicSecretPath)
	if apiKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("Anthropic model not set, defaulting", "model", model)
	}

	opts := []anthropic.Option{
		anthropic.WithModel(model),
		anthropic.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	m, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic model: %w", err)
	}
	return NewLangChainClient(m, "anthropic", model)
}

// Generate implements the LLMClient interface
func (c *LangChainClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "LangChainClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", c.provider),
		attribute.String("llm.model", c.name),
	)

	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, callOptions(params)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("LangChain model call failed", "provider", c.provider, "error", err)
		return "", fmt.Errorf("%s call failed: %w", c.provider, err)
	}
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return "", fmt.Errorf("%s: %w", c.provider, ErrEmptyCompletion)
	}
	return text, nil
}

func callOptions(params GenerationParams) []llms.CallOption {
	var options []llms.CallOption
	if params.Temperature != nil {
		options = append(options, llms.WithTemperature(float64(*params.Temperature)))
	}
	maxTokens := 1024
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}
	options = append(options, llms.WithMaxTokens(maxTokens))
	if params.TopP != nil {
		options = append(options, llms.WithTopP(float64(*params.TopP)))
	}
	if params.TopK != nil {
		options = append(options, llms.WithTopK(*params.TopK))
	}
	if len(params.Stop) > 0 {
		options = append(options, llms.WithStopWords(params.Stop))
	}
	return options
}
