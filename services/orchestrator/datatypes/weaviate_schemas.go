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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Class names for session recording.
const (
	SessionClass      = "Session"
	ConversationClass = "Conversation"
)

// Tokenization modes used by the classes below.
const (
	tokenWord  = "word"
	tokenField = "field"
)

// property describes one class property. filter marks properties used in
// where filters or sorts.
type property struct {
	name, dataType, tokenization, description string
	filter                                    bool
}

func (p property) build() *models.Property {
	prop := &models.Property{
		Name:         p.name,
		DataType:     []string{p.dataType},
		Description:  p.description,
		Tokenization: p.tokenization,
	}
	if p.filter {
		prop.IndexFilterable = boolPtr(true)
	}
	return prop
}

func boolPtr(b bool) *bool { return &b }

func buildClass(name, description, vectorizer string, props ...property) *models.Class {
	class := &models.Class{
		Class:       name,
		Description: description,
		Vectorizer:  vectorizer,
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: make([]*models.Property, 0, len(props)),
	}
	for _, p := range props {
		class.Properties = append(class.Properties, p.build())
	}
	return class
}

// KnowledgeClass returns the class serving one knowledge namespace.
//
// # Description
//
// Each namespace (theory, plan, session, future_self) lives in its own class
// so ownership and retention can differ per namespace. The vectorizer is left
// to the server default because nearText needs one.
//
// # Inputs
//
//   - className: Weaviate class name, e.g. "TheoryDocument".
//   - namespace: The namespace the class serves; recorded in the description.
func KnowledgeClass(className, namespace string) *models.Class {
	return buildClass(className,
		fmt.Sprintf("Knowledge documents for the %s namespace.", namespace), "",
		property{name: "content", dataType: "text", tokenization: tokenWord,
			description: "Document text given to the model as context."},
		property{name: "document_id", dataType: "text", tokenization: tokenField, filter: true,
			description: "Stable identifier reported as a reply source."},
		property{name: "title", dataType: "text", tokenization: tokenWord, filter: true,
			description: "Optional human-readable title."},
		property{name: "source", dataType: "text", tokenization: tokenField, filter: true,
			description: "Where the document came from."},
	)
}

// SessionClasses returns the Session and Conversation classes in creation
// order. Conversation references Session, so Session comes first.
func SessionClasses() []*models.Class {
	session := buildClass(SessionClass, "One companion session and its latest summary.", "none",
		property{name: "session_id", dataType: "text", tokenization: tokenField, filter: true,
			description: "Caller-supplied session id."},
		property{name: "summary", dataType: "text", tokenization: tokenWord,
			description: "Latest generated summary."},
		property{name: "timestamp", dataType: "number", filter: true,
			description: "Unix milliseconds of the first recorded exchange."},
	)
	conversation := buildClass(ConversationClass, "One user message and the companion reply.", "none",
		property{name: "session_id", dataType: "text", tokenization: tokenField, filter: true,
			description: "Caller-supplied session id."},
		property{name: "question", dataType: "text", tokenization: tokenWord,
			description: "User message."},
		property{name: "answer", dataType: "text", tokenization: tokenWord,
			description: "Companion reply."},
		property{name: "path", dataType: "text", tokenization: tokenField, filter: true,
			description: "Response path that produced the reply (crisis or rag)."},
		property{name: "timestamp", dataType: "number", filter: true,
			description: "Unix milliseconds when the exchange was recorded."},
		property{name: "turn_hash", dataType: "text", tokenization: tokenField, filter: true,
			description: "SHA-256 of the session id, question and answer."},
		property{name: "inSession", dataType: SessionClass, filter: true,
			description: "Link to the parent Session object."},
	)
	return []*models.Class{session, conversation}
}

// EnsureClasses creates whichever of classes the server does not have yet,
// in order. Existing classes are left untouched.
func EnsureClasses(ctx context.Context, client *weaviate.Client, classes ...*models.Class) error {
	if client == nil {
		return fmt.Errorf("weaviate client is nil")
	}
	for _, class := range classes {
		// ClassGetter errors for a missing class.
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Debug("Weaviate class present", "class", class.Class)
			continue
		}
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", class.Class, err)
		}
		slog.Info("Created Weaviate class", "class", class.Class)
	}
	return nil
}
