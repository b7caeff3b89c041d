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
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemConfig opens a local chromem-go collection for one namespace.
type ChromemConfig struct {
	// PersistPath is a directory for the gob file. Empty means in-memory.
	PersistPath string

	// Collection name. Defaults to the namespace name at the call site.
	Collection string

	// Embed computes query and document embeddings.
	Embed chromem.EmbeddingFunc
}

// OpenChromemCollection opens (or creates) the configured collection.
func OpenChromemCollection(cfg ChromemConfig) (*chromem.Collection, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: chromem collection name is required", ErrInvalidArgument)
	}
	if cfg.Embed == nil {
		return nil, fmt.Errorf("%w: chromem embedding function is required", ErrInvalidArgument)
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open chromem DB at %s: %w", cfg.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, cfg.Embed)
	if err != nil {
		return nil, fmt.Errorf("open chromem collection %s: %w", cfg.Collection, err)
	}
	return collection, nil
}

// OllamaEmbedding returns a chromem embedding function backed by an Ollama
// embedding model. An empty baseURL uses chromem's default.
func OllamaEmbedding(model, baseURL string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOllama(model, baseURL)
}

// ChromemRetriever searches one in-process chromem-go collection and scores
// hits by cosine similarity.
type ChromemRetriever struct {
	collection *chromem.Collection
}

// NewChromemRetriever wraps collection.
func NewChromemRetriever(collection *chromem.Collection) (*ChromemRetriever, error) {
	if collection == nil {
		return nil, fmt.Errorf("%w: chromem collection is nil", ErrInvalidArgument)
	}
	return &ChromemRetriever{collection: collection}, nil
}

// Search implements Retriever.
func (r *ChromemRetriever) Search(ctx context.Context, query string, k int) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "ChromemRetriever.Search")
	defer span.End()

	// chromem rejects nResults larger than the collection
	n := min(k, r.collection.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := r.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, res := range results {
		docs = append(docs, Document{
			DocumentID: res.ID,
			Content:    res.Content,
			Metadata:   res.Metadata,
			Score:      float64(res.Similarity),
		})
	}
	return docs, nil
}

// Add indexes documents into the collection. Used by ingestion tooling and
// tests; the aggregator never writes.
func (r *ChromemRetriever) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		batch = append(batch, chromem.Document{
			ID:       d.DocumentID,
			Content:  d.Content,
			Metadata: d.Metadata,
		})
	}
	if err := r.collection.AddDocuments(ctx, batch, 1); err != nil {
		return fmt.Errorf("chromem add documents: %w", err)
	}
	return nil
}
