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

	"golang.org/x/time/rate"
)

// RateLimitedClient paces calls to another LLMClient with a token bucket.
// It waits for a token; it never retries.
type RateLimitedClient struct {
	next    LLMClient
	limiter *rate.Limiter
}

// NewRateLimitedClient allows requestsPerSecond sustained calls with the
// given burst. A burst below 1 is raised to 1.
func NewRateLimitedClient(next LLMClient, requestsPerSecond float64, burst int) (*RateLimitedClient, error) {
	if next == nil {
		return nil, fmt.Errorf("rate limited client needs a delegate")
	}
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be positive, got %v", requestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}, nil
}

// Generate implements the LLMClient interface
func (c *RateLimitedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// Wait also fails early when the deadline cannot be met.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("waiting for rate limiter: %w", ctxErr)
		}
		return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return c.next.Generate(ctx, prompt, params)
}
