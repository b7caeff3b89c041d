// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.companion.retrieval")

// DefaultMaxContextChars is used when AggregatorConfig.MaxContextChars is 0.
const DefaultMaxContextChars = 6000

// AggregatorConfig bounds an Aggregator.
type AggregatorConfig struct {
	// MaxContextChars caps ContextBlock.Len.
	MaxContextChars int

	// NamespaceTimeout bounds each namespace search. Zero means only the
	// caller's deadline applies.
	NamespaceTimeout time.Duration

	// Observer receives namespace failures. Optional.
	Observer FailureObserver
}

// Aggregator fans a query out to several namespaces and merges the results.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent Query calls.
type Aggregator struct {
	retrievers []NamespaceRetriever
	order      map[Namespace]int
	maxChars   int
	timeout    time.Duration
	observer   FailureObserver
}

// NewAggregator validates the namespace list and builds an Aggregator.
//
// The order of retrievers is the namespace configuration order and breaks
// ranking ties. Zero retrievers is allowed; every query then returns an empty
// block.
func NewAggregator(retrievers []NamespaceRetriever, cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.MaxContextChars < 0 {
		return nil, fmt.Errorf("%w: max context chars must not be negative", ErrInvalidArgument)
	}
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	if cfg.NamespaceTimeout < 0 {
		return nil, fmt.Errorf("%w: namespace timeout must not be negative", ErrInvalidArgument)
	}

	order := make(map[Namespace]int, len(retrievers))
	for i, nr := range retrievers {
		if strings.TrimSpace(string(nr.Namespace)) == "" {
			return nil, fmt.Errorf("%w: retriever %d has no namespace", ErrInvalidArgument, i)
		}
		if nr.Retriever == nil {
			return nil, fmt.Errorf("%w: namespace %q has no retriever", ErrInvalidArgument, nr.Namespace)
		}
		if _, dup := order[nr.Namespace]; dup {
			return nil, fmt.Errorf("%w: namespace %q configured twice", ErrInvalidArgument, nr.Namespace)
		}
		order[nr.Namespace] = i
	}

	return &Aggregator{
		retrievers: append([]NamespaceRetriever(nil), retrievers...),
		order:      order,
		maxChars:   cfg.MaxContextChars,
		timeout:    cfg.NamespaceTimeout,
		observer:   cfg.Observer,
	}, nil
}

// Namespaces returns the configured namespaces in configuration order.
func (a *Aggregator) Namespaces() []Namespace {
	out := make([]Namespace, len(a.retrievers))
	for i, nr := range a.retrievers {
		out[i] = nr.Namespace
	}
	return out
}

// MaxContextChars returns the configured context cap.
func (a *Aggregator) MaxContextChars() int {
	return a.maxChars
}

// Query searches the given namespaces and returns one ranked ContextBlock.
//
// # Description
//
// Each namespace is searched concurrently for its top k documents. A
// namespace that errors, times out or panics contributes zero documents and
// is logged; it never fails the query. The merged list is sorted by score
// descending, ties broken by per-namespace rank and then namespace
// configuration order. Duplicate (namespace, document_id) pairs keep the
// best-ranked copy. Lowest-ranked documents are dropped until the block fits
// MaxContextChars; a single remaining document that is still too long is
// truncated.
//
// # Inputs
//
//   - ctx: Cancels all namespace searches. If it ends before the searches
//     return, Query returns an empty block without waiting for them.
//   - text: Query text. Blank text yields an empty block and no searches.
//   - namespaces: Namespaces to search; duplicates are ignored. Empty means
//     an empty block.
//   - k: Per-namespace result count. Must be positive.
//
// # Outputs
//
//   - ContextBlock: Possibly empty. Never larger than MaxContextChars.
//   - error: ErrInvalidArgument for k <= 0 or an unconfigured namespace.
func (a *Aggregator) Query(ctx context.Context, text string, namespaces []Namespace, k int) (ContextBlock, error) {
	if k <= 0 {
		return ContextBlock{}, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	selected, err := a.selectRetrievers(namespaces)
	if err != nil {
		return ContextBlock{}, err
	}
	if len(selected) == 0 || strings.TrimSpace(text) == "" {
		return ContextBlock{}, nil
	}

	ctx, span := tracer.Start(ctx, "Aggregator.Query")
	defer span.End()
	span.SetAttributes(
		attribute.Int("retrieval.namespaces", len(selected)),
		attribute.Int("retrieval.k", k),
	)

	results := make([][]Document, len(selected))
	var g errgroup.Group
	for i, nr := range selected {
		g.Go(func() error {
			results[i] = a.searchNamespace(ctx, nr, text, k)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Retrieval abandoned by caller", "error", ctx.Err())
		span.RecordError(ctx.Err())
		return ContextBlock{}, nil
	}

	block := a.merge(results)
	span.SetAttributes(
		attribute.Int("retrieval.documents", len(block.Documents)),
		attribute.Int("retrieval.context_chars", block.Len()),
	)
	return block, nil
}

// selectRetrievers returns the retrievers for namespaces in configuration
// order.
func (a *Aggregator) selectRetrievers(namespaces []Namespace) ([]NamespaceRetriever, error) {
	want := make(map[Namespace]bool, len(namespaces))
	for _, ns := range namespaces {
		if _, ok := a.order[ns]; !ok {
			return nil, fmt.Errorf("%w: unknown namespace %q", ErrInvalidArgument, ns)
		}
		want[ns] = true
	}
	var selected []NamespaceRetriever
	for _, nr := range a.retrievers {
		if want[nr.Namespace] {
			selected = append(selected, nr)
		}
	}
	return selected, nil
}

// searchNamespace runs one namespace search. Every failure becomes nil.
func (a *Aggregator) searchNamespace(ctx context.Context, nr NamespaceRetriever, text string, k int) (docs []Document) {
	ctx, span := tracer.Start(ctx, "Aggregator.searchNamespace")
	defer span.End()
	span.SetAttributes(attribute.String("retrieval.namespace", string(nr.Namespace)))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Namespace retriever panicked, using zero documents",
				"namespace", nr.Namespace,
				"panic", r)
			span.RecordError(fmt.Errorf("panic: %v", r))
			a.reportFailure(nr.Namespace)
			docs = nil
		}
	}()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	found, err := nr.Retriever.Search(ctx, text, k)
	if err != nil {
		slog.Warn("Namespace search failed, using zero documents",
			"namespace", nr.Namespace,
			"error", err)
		span.RecordError(err)
		a.reportFailure(nr.Namespace)
		return nil
	}

	if len(found) > k {
		found = found[:k]
	}
	docs = make([]Document, len(found))
	for i, d := range found {
		d.Namespace = nr.Namespace
		docs[i] = d
	}
	span.SetAttributes(attribute.Int("retrieval.hits", len(docs)))
	return docs
}

func (a *Aggregator) reportFailure(ns Namespace) {
	if a.observer != nil {
		a.observer.NamespaceFailure(string(ns))
	}
}

type rankedDoc struct {
	doc     Document
	rank    int
	nsOrder int
}

// merge ranks, deduplicates and caps per-namespace results. results is
// indexed in configuration order.
func (a *Aggregator) merge(results [][]Document) ContextBlock {
	var ranked []rankedDoc
	for _, docs := range results {
		for rank, d := range docs {
			ranked = append(ranked, rankedDoc{doc: d, rank: rank, nsOrder: a.order[d.Namespace]})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].doc.Score != ranked[j].doc.Score {
			return ranked[i].doc.Score > ranked[j].doc.Score
		}
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank < ranked[j].rank
		}
		return ranked[i].nsOrder < ranked[j].nsOrder
	})

	seen := make(map[SourceRef]bool, len(ranked))
	docs := make([]Document, 0, len(ranked))
	for _, r := range ranked {
		ref := SourceRef{Namespace: r.doc.Namespace, DocumentID: r.doc.DocumentID}
		if r.doc.DocumentID != "" {
			if seen[ref] {
				continue
			}
			seen[ref] = true
		}
		docs = append(docs, r.doc)
	}

	docs = capDocuments(docs, a.maxChars)

	// Documents without an id carry no citable provenance.
	block := ContextBlock{Documents: docs}
	for _, d := range docs {
		if d.DocumentID == "" {
			continue
		}
		block.Sources = append(block.Sources, SourceRef{Namespace: d.Namespace, DocumentID: d.DocumentID})
	}
	return block
}

// capDocuments drops documents from the tail until the joined length fits
// maxChars, truncating the head document if it alone is too long.
func capDocuments(docs []Document, maxChars int) []Document {
	if len(docs) == 0 {
		return docs
	}
	sepLen := utf8.RuneCountInString(ContextSeparator)
	total := 0
	for i, d := range docs {
		if i > 0 {
			total += sepLen
		}
		total += utf8.RuneCountInString(d.Content)
	}

	for len(docs) > 1 && total > maxChars {
		last := docs[len(docs)-1]
		total -= utf8.RuneCountInString(last.Content) + sepLen
		docs = docs[:len(docs)-1]
	}

	if total > maxChars {
		head := docs[0]
		head.Content = string([]rune(head.Content)[:maxChars])
		docs = []Document{head}
	}
	return docs
}
