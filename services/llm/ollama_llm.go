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
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sampling defaults applied when GenerationParams leaves a field nil.
const (
	defaultTemperature float32 = 0.2
	defaultTopK                = 20
	defaultTopP        float32 = 0.9
	defaultMaxTokens           = 1024
)

// OllamaConfig configures OllamaClient.
type OllamaConfig struct {
	BaseURL string
	Model   string

	// Timeout bounds one HTTP exchange. Defaults to 5 minutes; the caller's
	// context deadline still applies.
	Timeout time.Duration

	// KeepAlive is passed to Ollama so the model stays loaded between
	// requests ("-1" keeps it indefinitely). Empty uses Ollama's default.
	KeepAlive string
}

// OllamaClient calls POST /api/generate without streaming.
type OllamaClient struct {
	api       *jsonAPI
	model     string
	keepAlive string
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	api, err := newJSONAPI("ollama", cfg.BaseURL, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	api.hint = func(status int, msg string) string {
		if status == http.StatusNotFound && strings.Contains(msg, "not found") {
			return fmt.Sprintf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
		}
		return msg
	}
	slog.Info("Initializing Ollama client", "base_url", api.baseURL, "model", model)
	return &OllamaClient{api: api, model: model, keepAlive: cfg.KeepAlive}, nil
}

// Generate implements LLMClient.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	var resp ollamaGenerateResponse
	err := o.api.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model:     o.model,
		Prompt:    prompt,
		KeepAlive: o.keepAlive,
		Options:   ollamaOptions(params),
	}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Ollama generate failed", "model", o.model, "error", err)
		return "", err
	}
	if strings.TrimSpace(resp.Response) == "" {
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return "", fmt.Errorf("ollama: %w", ErrEmptyCompletion)
	}
	return resp.Response, nil
}

// Warm loads the model with an empty prompt so the first user request does
// not pay the load time.
func (o *OllamaClient) Warm(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.Warm")
	defer span.End()

	start := time.Now()
	req := ollamaGenerateRequest{Model: o.model, KeepAlive: o.keepAlive}
	if err := o.api.post(ctx, "/api/generate", req, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("warming model %s: %w", o.model, err)
	}
	slog.Info("Model warmed", "model", o.model, "load_duration", time.Since(start))
	return nil
}

func ollamaOptions(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": valueOr(params.Temperature, defaultTemperature),
		"top_k":       valueOr(params.TopK, defaultTopK),
		"top_p":       valueOr(params.TopP, defaultTopP),
		"num_predict": valueOr(params.MaxTokens, defaultMaxTokens),
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}
