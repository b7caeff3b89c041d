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
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Supported backend names.
const (
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendLlamaCpp  = "llamacpp"
)

// ClientConfig selects and configures a backend.
type ClientConfig struct {
	Backend      string
	Model        string
	BaseURL      string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
	KeepAlive    string

	// RequestsPerSecond wraps the backend in a RateLimitedClient when > 0.
	RequestsPerSecond float64
	Burst             int
}

// NewClient builds the configured backend.
//
// # Description
//
// Switches on Backend (case-insensitive). An unknown backend is a
// construction error. When RequestsPerSecond is positive the backend is
// wrapped in a RateLimitedClient.
//
// # Outputs
//
//   - LLMClient: Ready to use.
//   - error: Unknown backend or a backend constructor failure (missing key,
//     missing base URL).
func NewClient(cfg ClientConfig) (LLMClient, error) {
	var (
		client LLMClient
		err    error
	)
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case BackendOpenAI:
		client, err = NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			BaseURL:      cfg.BaseURL,
			SystemPrompt: cfg.SystemPrompt,
		})
	case BackendOllama:
		client, err = NewOllamaClient(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout,
			KeepAlive: cfg.KeepAlive,
		})
	case BackendAnthropic:
		client, err = NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case BackendLlamaCpp:
		client, err = NewLlamaCppClient(cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", backend, err)
	}

	if cfg.RequestsPerSecond > 0 {
		limited, err := NewRateLimitedClient(client, cfg.RequestsPerSecond, cfg.Burst)
		if err != nil {
			return nil, err
		}
		slog.Info("LLM client rate limited", "backend", backend, "rps", cfg.RequestsPerSecond, "burst", cfg.Burst)
		return limited, nil
	}
	return client, nil
}
