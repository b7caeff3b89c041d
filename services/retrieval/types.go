// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval queries namespace-scoped knowledge sources and merges
// their results into a single ranked, size-bounded context block.
package retrieval

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalidArgument is returned for caller errors such as a non-positive k
// or a namespace the aggregator was not configured with.
var ErrInvalidArgument = errors.New("invalid argument")

// Namespace identifies a governance-separated partition of knowledge.
type Namespace string

// Well-known namespaces.
const (
	NamespaceTheory     Namespace = "theory"
	NamespacePlan       Namespace = "plan"
	NamespaceSession    Namespace = "session"
	NamespaceFutureSelf Namespace = "future_self"
)

// ContextSeparator joins document contents in a ContextBlock.
const ContextSeparator = "\n\n---\n\n"

// Document is one search hit. Score is higher-is-better and only used for
// ranking.
type Document struct {
	Namespace  Namespace         `json:"namespace"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Score      float64           `json:"-"`
}

// SourceRef is the namespace-qualified id of a document used as context.
type SourceRef struct {
	Namespace  Namespace `json:"namespace"`
	DocumentID string    `json:"document_id"`
}

// String returns "namespace/document_id".
func (r SourceRef) String() string {
	return string(r.Namespace) + "/" + r.DocumentID
}

// ContextBlock is the ranked, bounded grounding material for one query.
type ContextBlock struct {
	Documents []Document  `json:"documents"`
	Sources   []SourceRef `json:"sources"`
}

// Text joins the document contents with ContextSeparator.
func (b ContextBlock) Text() string {
	if len(b.Documents) == 0 {
		return ""
	}
	parts := make([]string, len(b.Documents))
	for i, d := range b.Documents {
		parts[i] = d.Content
	}
	return strings.Join(parts, ContextSeparator)
}

// Len is the length of Text in characters (runes).
func (b ContextBlock) Len() int {
	return utf8.RuneCountInString(b.Text())
}

// Empty reports whether the block has no documents.
func (b ContextBlock) Empty() bool {
	return len(b.Documents) == 0
}

// SourceStrings renders Sources as "namespace/document_id" strings.
func (b ContextBlock) SourceStrings() []string {
	out := make([]string, 0, len(b.Sources))
	for _, s := range b.Sources {
		out = append(out, s.String())
	}
	return out
}

// Retriever is a top-k similarity search over one namespace. Results are in
// rank order, best first. Implementations must honor ctx cancellation.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string, k int) ([]Document, error)

// Search implements Retriever.
func (f RetrieverFunc) Search(ctx context.Context, query string, k int) ([]Document, error) {
	return f(ctx, query, k)
}

// NamespaceRetriever binds a Retriever to its namespace.
type NamespaceRetriever struct {
	Namespace Namespace
	Retriever Retriever
}

// FailureObserver is told about every namespace that failed during a query.
type FailureObserver interface {
	NamespaceFailure(namespace string)
}
