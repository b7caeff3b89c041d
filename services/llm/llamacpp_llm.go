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
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// llamaCppMaxTokens is n_predict when GenerationParams leaves it nil.
const llamaCppMaxTokens = 512

// LlamaCppClient talks to a llama.cpp server's /completion endpoint.
type LlamaCppClient struct {
	api *jsonAPI
}

type llamaCppRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float32  `json:"temperature"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type llamaCppResponse struct {
	Content string `json:"content"`
}

// NewLlamaCppClient creates a client for the server at baseURL. timeout <= 0
// uses 5 minutes.
func NewLlamaCppClient(baseURL string, timeout time.Duration) (*LlamaCppClient, error) {
	api, err := newJSONAPI("llamacpp", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &LlamaCppClient{api: api}, nil
}

// Generate implements LLMClient. Unset top_k and top_p use the server's
// defaults.
func (l *LlamaCppClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "LlamaCppClient.Generate")
	defer span.End()

	var resp llamaCppResponse
	err := l.api.post(ctx, "/completion", llamaCppRequest{
		Prompt:      prompt,
		NPredict:    valueOr(params.MaxTokens, llamaCppMaxTokens),
		Temperature: valueOr(params.Temperature, defaultTemperature),
		TopK:        params.TopK,
		TopP:        params.TopP,
		Stop:        params.Stop,
	}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("llamacpp: %w", ErrEmptyCompletion)
	}
	return resp.Content, nil
}
