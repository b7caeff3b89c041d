// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PendingSummary is the summary a session carries until one is generated.
const PendingSummary = "(Summary pending...)"

// Conversation is one exchange to record under a session.
type Conversation struct {
	SessionID string
	Question  string
	Answer    string
	Path      string
}

// NewConversation pairs a request with the reply it produced.
func NewConversation(sessionID string, msg Message, reply ChatReply) Conversation {
	return Conversation{
		SessionID: sessionID,
		Question:  msg.Text,
		Answer:    reply.Text,
		Path:      reply.Path,
	}
}

// TurnHash returns the hex SHA-256 of the session id, question and answer,
// NUL-separated so field boundaries count.
func (c Conversation) TurnHash() string {
	h := sha256.New()
	h.Write([]byte(c.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(c.Question))
	h.Write([]byte{0})
	h.Write([]byte(c.Answer))
	return hex.EncodeToString(h.Sum(nil))
}

// Properties stamps the exchange with at and its turn hash.
func (c Conversation) Properties(at time.Time) ConversationProperties {
	return ConversationProperties{
		SessionID: c.SessionID,
		Question:  c.Question,
		Answer:    c.Answer,
		Path:      c.Path,
		Timestamp: at.UnixMilli(),
		TurnHash:  c.TurnHash(),
	}
}

// NewSessionProperties describes a session first seen at at.
func NewSessionProperties(sessionID string, at time.Time) SessionProperties {
	return SessionProperties{
		SessionID: sessionID,
		Summary:   PendingSummary,
		Timestamp: at.UnixMilli(),
	}
}

// SessionProperties is the stored form of a session. The JSON names match
// the Session class properties.
type SessionProperties struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	Timestamp int64  `json:"timestamp"`
}

// ToMap returns the properties for Weaviate's WithProperties.
func (p SessionProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_id": p.SessionID,
		"summary":    p.Summary,
		"timestamp":  p.Timestamp,
	}
}

// ConversationProperties is the stored form of one exchange.
type ConversationProperties struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
	TurnHash  string `json:"turn_hash"`
}

// ToMap returns the properties for Weaviate's WithProperties.
func (p ConversationProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_id": p.SessionID,
		"question":   p.Question,
		"answer":     p.Answer,
		"path":       p.Path,
		"timestamp":  p.Timestamp,
		"turn_hash":  p.TurnHash,
	}
}

// Result drops the fields callers of History do not see.
func (p ConversationProperties) Result() ConversationResult {
	return ConversationResult{
		SessionID: p.SessionID,
		Question:  p.Question,
		Answer:    p.Answer,
		Timestamp: p.Timestamp,
		Path:      p.Path,
	}
}

// ConversationResult is one recorded exchange as returned by History.
type ConversationResult struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Timestamp int64  `json:"timestamp"`
	Path      string `json:"path"`
}

// Text renders the exchange as two labelled lines. Empty sides are omitted.
func (r ConversationResult) Text() string {
	switch {
	case r.Question == "" && r.Answer == "":
		return ""
	case r.Answer == "":
		return "User: " + r.Question
	case r.Question == "":
		return "Companion: " + r.Answer
	default:
		return "User: " + r.Question + "\nCompanion: " + r.Answer
	}
}
