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
	"hash/fnv"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

// bagOfWordsEmbedding hashes words into a small vector so similarity tracks
// word overlap without a model.
func bagOfWordsEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 32)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(len(vec))] += 1
	}
	// chromem rejects the zero vector
	vec[len(vec)-1] += 0.01
	return vec, nil
}

func newChromemRetriever(t *testing.T) *ChromemRetriever {
	t.Helper()
	collection, err := OpenChromemCollection(ChromemConfig{
		Collection: "theory",
		Embed:      bagOfWordsEmbedding,
	})
	require.NoError(t, err)
	r, err := NewChromemRetriever(collection)
	require.NoError(t, err)
	return r
}

func TestChromemRetriever_Search(t *testing.T) {
	r := newChromemRetriever(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, []Document{
		{DocumentID: "defusion", Content: "cognitive defusion means noticing thoughts as thoughts", Metadata: map[string]string{"chapter": "3"}},
		{DocumentID: "values", Content: "values are chosen life directions"},
	}))

	docs, err := r.Search(ctx, "What is cognitive defusion?", 5)
	require.NoError(t, err)
	require.Len(t, docs, 2, "k is clamped to the collection size")
	assert.Equal(t, "defusion", docs[0].DocumentID)
	assert.Equal(t, "3", docs[0].Metadata["chapter"])
	assert.Greater(t, docs[0].Score, docs[1].Score)
}

func TestChromemRetriever_EmptyCollection(t *testing.T) {
	r := newChromemRetriever(t)
	docs, err := r.Search(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestChromemRetriever_InAggregator(t *testing.T) {
	r := newChromemRetriever(t)
	ctx := context.Background()
	require.NoError(t, r.Add(ctx, []Document{
		{DocumentID: "defusion", Content: "cognitive defusion means noticing thoughts as thoughts"},
	}))

	agg, err := NewAggregator([]NamespaceRetriever{{Namespace: NamespaceTheory, Retriever: r}}, AggregatorConfig{})
	require.NoError(t, err)

	block, err := agg.Query(ctx, "cognitive defusion", agg.Namespaces(), 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"theory/defusion"}, block.SourceStrings())
	assert.Contains(t, block.Text(), "noticing thoughts")
}

func TestOpenChromemCollection_Validation(t *testing.T) {
	_, err := OpenChromemCollection(ChromemConfig{Embed: bagOfWordsEmbedding})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenChromemCollection(ChromemConfig{Collection: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOpenChromemCollection_Persistent(t *testing.T) {
	dir := t.TempDir()
	collection, err := OpenChromemCollection(ChromemConfig{
		PersistPath: dir,
		Collection:  "plan",
		Embed:       bagOfWordsEmbedding,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, collection.Count())
}

func TestWeaviateRetriever_Decode(t *testing.T) {
	r := &WeaviateRetriever{config: WeaviateRetrieverConfig{
		ClassName:          "TheoryChunk",
		ContentProperty:    "content",
		IDProperty:         "document_id",
		MetadataProperties: []string{"source", "page"},
	}}

	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"TheoryChunk": []interface{}{
					map[string]interface{}{
						"content":     "Defusion is...",
						"document_id": "act-3",
						"source":      "ACT Made Simple",
						"page":        12,
						"_additional": map[string]interface{}{"id": "uuid-1", "certainty": 0.91},
					},
					map[string]interface{}{
						"content":     "Values are...",
						"document_id": nil,
						"_additional": map[string]interface{}{"id": "uuid-2", "certainty": 0.42},
					},
				},
			},
		},
	}

	docs, err := r.decode(resp)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "act-3", docs[0].DocumentID)
	assert.Equal(t, "Defusion is...", docs[0].Content)
	assert.InDelta(t, 0.91, docs[0].Score, 1e-9)
	assert.Equal(t, map[string]string{"source": "ACT Made Simple", "page": "12"}, docs[0].Metadata)

	assert.Equal(t, "uuid-2", docs[1].DocumentID, "falls back to the object id")
	assert.Nil(t, docs[1].Metadata)
}

func TestWeaviateRetriever_DecodeOtherClass(t *testing.T) {
	r := &WeaviateRetriever{config: WeaviateRetrieverConfig{ClassName: "Plan", ContentProperty: "content", IDProperty: "document_id"}}
	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]interface{}{"Other": []interface{}{map[string]interface{}{"content": "x"}}},
	}}
	docs, err := r.decode(resp)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestNewWeaviateRetriever_Validation(t *testing.T) {
	_, err := NewWeaviateRetriever(nil, WeaviateRetrieverConfig{ClassName: "X"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
