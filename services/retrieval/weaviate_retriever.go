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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateRetrieverConfig describes the class backing one namespace.
type WeaviateRetrieverConfig struct {
	// ClassName is the Weaviate class to search.
	ClassName string

	// ContentProperty holds document text. Defaults to "content".
	ContentProperty string

	// IDProperty holds the stable document id. Defaults to "document_id";
	// the object UUID is used when the property is empty.
	IDProperty string

	// MetadataProperties are copied into Document.Metadata when present.
	MetadataProperties []string
}

// WeaviateRetriever runs nearText searches against one Weaviate class and
// scores hits by certainty.
type WeaviateRetriever struct {
	client *weaviate.Client
	config WeaviateRetrieverConfig
}

// NewWeaviateRetriever wraps client for the class described by config.
func NewWeaviateRetriever(client *weaviate.Client, config WeaviateRetrieverConfig) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: weaviate client is nil", ErrInvalidArgument)
	}
	if config.ClassName == "" {
		return nil, fmt.Errorf("%w: weaviate class name is required", ErrInvalidArgument)
	}
	if config.ContentProperty == "" {
		config.ContentProperty = "content"
	}
	if config.IDProperty == "" {
		config.IDProperty = "document_id"
	}
	return &WeaviateRetriever{client: client, config: config}, nil
}

// Search implements Retriever.
func (r *WeaviateRetriever) Search(ctx context.Context, query string, k int) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Search")
	defer span.End()

	fields := []graphql.Field{
		{Name: r.config.ContentProperty},
		{Name: r.config.IDProperty},
	}
	for _, p := range r.config.MetadataProperties {
		fields = append(fields, graphql.Field{Name: p})
	}
	// certainty is always in [0,1], unlike distance which depends on the metric
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "certainty"},
	}})

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	resp, err := r.client.GraphQL().Get().
		WithClassName(r.config.ClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate search on %s failed: %w", r.config.ClassName, err)
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("weaviate search on %s returned error: %s", r.config.ClassName, resp.Errors[0].Message)
		span.RecordError(err)
		return nil, err
	}

	docs, err := r.decode(resp)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	slog.Debug("Weaviate search complete", "class", r.config.ClassName, "hits", len(docs))
	return docs, nil
}

type weaviateAdditional struct {
	ID        string   `json:"id"`
	Certainty *float64 `json:"certainty"`
}

// decode turns Get.<ClassName>[] into Documents. Property types vary by
// class, so hits are read as generic maps and stringified.
func (r *WeaviateRetriever) decode(resp *models.GraphQLResponse) ([]Document, error) {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed struct {
		Get map[string][]map[string]json.RawMessage `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weaviate hits: %w", err)
	}

	hits := parsed.Get[r.config.ClassName]
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		var extra weaviateAdditional
		if a, ok := hit["_additional"]; ok {
			_ = json.Unmarshal(a, &extra)
		}
		doc := Document{
			DocumentID: stringProperty(hit, r.config.IDProperty),
			Content:    stringProperty(hit, r.config.ContentProperty),
		}
		if doc.DocumentID == "" {
			doc.DocumentID = extra.ID
		}
		if extra.Certainty != nil {
			doc.Score = *extra.Certainty
		}
		for _, p := range r.config.MetadataProperties {
			if v := stringProperty(hit, p); v != "" {
				if doc.Metadata == nil {
					doc.Metadata = make(map[string]string)
				}
				doc.Metadata[p] = v
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// stringProperty renders a scalar property as a string. Strings are
// unquoted; numbers and booleans keep their JSON form.
func stringProperty(hit map[string]json.RawMessage, name string) string {
	v, ok := hit[name]
	if !ok || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}
