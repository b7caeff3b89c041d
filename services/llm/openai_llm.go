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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const openAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the API endpoint (OpenAI-compatible servers, tests).
	BaseURL string

	// SystemPrompt is sent as the system message. Optional.
	SystemPrompt string
}

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := resolveAPIKey(cfg.APIKey, openAISecretPath)
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set and secret %s not found", openAISecretPath)
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting", "model", model)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	var messages []openai.ChatCompletionMessage
	if o.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		err = mapOpenAIError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return "", fmt.Errorf("OpenAI: %w", ErrEmptyCompletion)
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// mapOpenAIError converts HTTP-level go-openai errors into ProviderError.
// Transport and context errors pass through unchanged.
func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &ProviderError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ProviderError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}
