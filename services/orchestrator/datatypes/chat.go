// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the per-request message, the reply, and the HTTP
// request/response shapes. Weaviate persistence shapes live in
// weaviate_query.go and weaviate_schemas.go.
package datatypes

import (
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message or
	// history turn.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryTurns is the maximum number of history turns in a request.
	MaxHistoryTurns = 50
)

// Response path names, used in replies and metric labels.
const (
	PathCrisis = "crisis"
	PathRAG    = "rag"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Byte length, not rune count, bounds memory per request.
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Core Types
// =============================================================================

// Turn is one prior exchange supplied by the caller.
type Turn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// Message is the immutable input of one Answer call.
//
// History is caller-provided context only; the companion keeps no dialogue
// state between calls.
type Message struct {
	Text     string
	Language string
	History  []Turn
}

// HistoryText renders History one turn per line as "Role: content".
func (m Message) HistoryText() string {
	return m.RecentHistoryText(0)
}

// RecentHistoryText renders the newest turns of History that fit in
// maxRunes, oldest first. Older turns are dropped whole; when even the
// newest turn is too long, only its tail is kept. maxRunes <= 0 means no cap.
func (m Message) RecentHistoryText(maxRunes int) string {
	if len(m.History) == 0 {
		return ""
	}
	lines := make([]string, 0, len(m.History))
	used := 0
	for i := len(m.History) - 1; i >= 0; i-- {
		line := m.History[i].line()
		n := utf8.RuneCountInString(line)
		if len(lines) > 0 {
			n++ // newline
		}
		if maxRunes > 0 && used+n > maxRunes {
			if len(lines) == 0 {
				r := []rune(line)
				lines = append(lines, string(r[len(r)-maxRunes:]))
			}
			break
		}
		lines = append(lines, line)
		used += n
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func (t Turn) line() string {
	role := "User"
	if t.Role == "assistant" {
		role = "Companion"
	}
	return role + ": " + t.Content
}

// ChatReply is the terminal output of one Answer call.
//
// # Fields
//
//   - ID: Unique reply identifier (UUID v4), also used in audit events.
//   - Text: Never empty; a fixed fallback replaces any failure.
//   - Sources: Namespace-qualified document ids ("theory/act-3") that were
//     given to the model as context. Empty on the crisis path.
//   - Path: "crisis" or "rag".
//   - RiskDetected: Whether the risk check matched.
type ChatReply struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Sources      []string `json:"sources"`
	Path         string   `json:"path"`
	RiskDetected bool     `json:"risk_detected"`
}

// =============================================================================
// HTTP Request / Response Types
// =============================================================================

// ChatRequest is the body of POST /v1/chat.
//
// # Fields
//
//   - Message: The user's text. May be empty; an empty message still gets a
//     reply. Limited to 32KB.
//   - Language: Optional BCP 47-ish tag ("en", "es-MX", "zh").
//   - SessionID: Optional. When set and a session recorder is configured,
//     the exchange is stored for later summaries.
//   - History: Optional prior turns, at most MaxHistoryTurns.
type ChatRequest struct {
	Message   string `json:"message" validate:"maxbytes"`
	Language  string `json:"language" validate:"omitempty,max=35"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	History   []Turn `json:"history" validate:"omitempty,max=50,dive"`
}

// Validate checks ChatRequest against its struct tags.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ToMessage converts the request into a core Message.
func (r *ChatRequest) ToMessage() Message {
	return Message{
		Text:     r.Message,
		Language: strings.TrimSpace(r.Language),
		History:  append([]Turn(nil), r.History...),
	}
}

// SessionSummaryResponse is the body returned by
// POST /v1/sessions/:sessionId/summary.
type SessionSummaryResponse struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

// SessionHistoryResponse is the body returned by
// GET /v1/sessions/:sessionId/history.
type SessionHistoryResponse struct {
	SessionID string               `json:"session_id"`
	Turns     []ConversationResult `json:"turns"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
