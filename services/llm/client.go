// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the single-shot completion backends used by the
// companion's reply generator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.companion.llm")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient is one request/response text completion. Implementations must
// return promptly once ctx is done and must not retry on their own.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ErrEmptyCompletion is returned when a backend answers with no text.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// ErrRateLimited is returned when the client-side limiter cannot admit a
// request before the caller's deadline.
var ErrRateLimited = errors.New("client-side rate limit exceeded")

// ProviderError is a non-success answer from a model provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Recoverable reports whether retrying later could succeed: rate limits and
// gateway or availability errors.
func (e *ProviderError) Recoverable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// resolveAPIKey returns key, or the contents of the Podman secret at
// secretPath when key is empty.
func resolveAPIKey(key, secretPath string) string {
	if key != "" {
		return key
	}
	if secretPath == "" {
		return ""
	}
	content, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("Read API key from Podman secret", "path", secretPath)
	return strings.TrimSpace(string(content))
}

// truncateForLog bounds provider response bodies in logs and errors.
func truncateForLog(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
