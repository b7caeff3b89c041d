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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 8 << 20

// defaultHTTPTimeout bounds one exchange when the config leaves it unset.
const defaultHTTPTimeout = 5 * time.Minute

// jsonAPI is a JSON-over-HTTP provider endpoint. Non-2xx answers become a
// *ProviderError carrying the provider's own error text when it sends one.
type jsonAPI struct {
	provider string
	baseURL  string
	client   *http.Client

	// hint rewrites an error message for the operator; optional.
	hint func(status int, msg string) string
}

func newJSONAPI(provider, baseURL string, timeout time.Duration) (*jsonAPI, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s base URL not set", provider)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &jsonAPI{
		provider: provider,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// post sends in as JSON to path and decodes the answer into out, which may
// be nil. Transport errors keep their cause so callers can match
// context.DeadlineExceeded and net.Error.
func (a *jsonAPI) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", a.provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", a.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", a.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", a.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := providerMessage(raw)
		if a.hint != nil {
			msg = a.hint(resp.StatusCode, msg)
		}
		return &ProviderError{Provider: a.provider, StatusCode: resp.StatusCode, Message: truncateForLog(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", a.provider, err)
	}
	return nil
}

// providerMessage extracts {"error":"..."} or {"error":{"message":"..."}},
// falling back to the raw body.
func providerMessage(raw []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// valueOr dereferences p, or returns def when p is nil.
func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
