// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource wraps a Source and counts reads.
type countingSource struct {
	inner Source
	reads atomic.Int64
	err   error
}

func (c *countingSource) Read(ctx context.Context, kind Kind, language string) (string, error) {
	c.reads.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return c.inner.Read(ctx, kind, language)
}

type fallbackRecord struct {
	kind, language, tier string
}

type recordingObserver struct {
	mu      sync.Mutex
	records []fallbackRecord
}

func (o *recordingObserver) TemplateFallback(kind, language, tier string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, fallbackRecord{kind, language, tier})
}

func (o *recordingObserver) tiers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var tiers []string
	for _, r := range o.records {
		tiers = append(tiers, r.tier)
	}
	return tiers
}

func TestStore_Resolve_Tiers(t *testing.T) {
	src := NewMapSource(map[string]string{
		"en/system": "EN system {context} {input}",
		"system":    "generic system {context} {input}",
		"crisis":    "generic crisis {query}",
	})

	tests := []struct {
		name       string
		kind       Kind
		language   string
		wantBody   string
		wantTier   Tier
		wantMisses []string
	}{
		{
			name:     "Language specific",
			kind:     KindSystem,
			language: "en",
			wantBody: "EN system {context} {input}",
			wantTier: TierLanguage,
		},
		{
			name:       "Generic when language missing",
			kind:       KindSystem,
			language:   "fr",
			wantBody:   "generic system {context} {input}",
			wantTier:   TierGeneric,
			wantMisses: []string{"language"},
		},
		{
			name:       "Generic crisis",
			kind:       KindCrisis,
			language:   "en",
			wantBody:   "generic crisis {query}",
			wantTier:   TierGeneric,
			wantMisses: []string{"language"},
		},
		{
			name:       "Builtin when nothing in source",
			kind:       KindSummarize,
			language:   "en",
			wantBody:   builtinSummarize,
			wantTier:   TierBuiltin,
			wantMisses: []string{"language", "generic"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			observer := &recordingObserver{}
			store := NewStore(src, WithObserver(observer))

			tmpl, err := store.Resolve(context.Background(), tc.kind, tc.language)
			require.NoError(t, err)
			assert.Equal(t, tc.wantBody, tmpl.Body)
			assert.Equal(t, tc.wantTier, tmpl.Tier)
			assert.Equal(t, tc.kind, tmpl.Kind)
			assert.Equal(t, tc.wantMisses, observer.tiers())
		})
	}
}

func TestStore_Resolve_CachesAndIsIdempotent(t *testing.T) {
	src := &countingSource{inner: NewMapSource(map[string]string{
		"system": "generic {context} {input}",
	})}
	store := NewStore(src)
	ctx := context.Background()

	first, err := store.Resolve(ctx, KindSystem, "en")
	require.NoError(t, err)
	readsAfterFirst := src.reads.Load()
	assert.Equal(t, int64(2), readsAfterFirst, "language miss + generic hit")

	second, err := store.Resolve(ctx, KindSystem, "en")
	require.NoError(t, err)

	assert.Equal(t, first.Body, second.Body, "bodies must be byte-identical")
	assert.Equal(t, first, second)
	assert.Equal(t, readsAfterFirst, src.reads.Load(), "cache hit must not read the source")

	// Language tags are normalized before keying the cache.
	_, err = store.Resolve(ctx, KindSystem, " EN ")
	require.NoError(t, err)
	assert.Equal(t, readsAfterFirst, src.reads.Load())
}

func TestStore_Resolve_ConcurrentFirstCallsReadOnce(t *testing.T) {
	src := &countingSource{inner: NewMapSource(map[string]string{
		"en/crisis": "crisis {query}",
	})}
	store := NewStore(src)

	var wg sync.WaitGroup
	bodies := make([]string, 50)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tmpl, err := store.Resolve(context.Background(), KindCrisis, "en")
			assert.NoError(t, err)
			bodies[i] = tmpl.Body
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.reads.Load(), "language tier hit should be read exactly once")
	for _, b := range bodies {
		assert.Equal(t, "crisis {query}", b)
	}
}

func TestStore_Resolve_SourceErrorsAreMisses(t *testing.T) {
	src := &countingSource{err: errors.New("disk on fire")}
	observer := &recordingObserver{}
	store := NewStore(src, WithObserver(observer))

	tmpl, err := store.Resolve(context.Background(), KindSystem, "en")
	require.NoError(t, err, "I/O failure must not surface")
	assert.Equal(t, TierBuiltin, tmpl.Tier)
	assert.Equal(t, builtinSystem, tmpl.Body)
	assert.Equal(t, []string{"language", "generic"}, observer.tiers())
}

func TestStore_Resolve_CanceledCallerStillResolvesSource(t *testing.T) {
	src := NewMapSource(map[string]string{"system": "generic {context} {input}"})
	store := NewStore(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmpl, err := store.Resolve(ctx, KindSystem, "")
	require.NoError(t, err)
	assert.Equal(t, TierGeneric, tmpl.Tier, "cache fill is detached from caller cancellation")
}

func TestStore_Resolve_BlankBodyIsMissing(t *testing.T) {
	src := NewMapSource(map[string]string{"en/system": "   \n", "system": "generic {input}"})
	store := NewStore(src)

	tmpl, err := store.Resolve(context.Background(), KindSystem, "en")
	require.NoError(t, err)
	assert.Equal(t, TierGeneric, tmpl.Tier)
}

func TestStore_Resolve_NilSourceUsesBuiltins(t *testing.T) {
	store := NewStore(nil)
	for _, kind := range Kinds() {
		tmpl, err := store.Resolve(context.Background(), kind, "en")
		require.NoError(t, err)
		assert.Equal(t, TierBuiltin, tmpl.Tier)
		assert.NotEmpty(t, tmpl.Body)
	}
}

func TestStore_Resolve_UnknownKind(t *testing.T) {
	store := NewStore(nil)
	_, err := store.Resolve(context.Background(), Kind("poem"), "en")
	assert.Error(t, err)
}

func TestStore_Resolve_BrokenChainPropagates(t *testing.T) {
	store := NewStore(nil, WithStrategies(GenericStrategy{}))
	_, err := store.Resolve(context.Background(), KindSystem, "en")
	assert.Error(t, err, "a chain with no usable tier is a programming error")
}

func TestStore_NormalizeLanguage(t *testing.T) {
	open := NewStore(nil, WithDefaultLanguage("en"))
	restricted := NewStore(nil, WithDefaultLanguage("en"), WithSupportedLanguages("en", "zh"))

	tests := []struct {
		name       string
		store      *Store
		in         string
		wantTagKey string
	}{
		{"Empty uses default", open, "", "en"},
		{"Traversal rejected", open, "../../etc", "en"},
		{"Region kept when unrestricted", open, "pt-BR", "pt-br"},
		{"Supported exact", restricted, "zh", "zh"},
		{"Supported base", restricted, "zh_CN", "zh"},
		{"Unsupported uses default", restricted, "fr", "en"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantTagKey, tc.store.normalizeLanguage(tc.in))
		})
	}
}

func TestStore_Resolve_RegionalTagUsesBaseTemplate(t *testing.T) {
	src := NewMapSource(map[string]string{
		"es/system": "ES {context} {input}",
		"system":    "GENERIC {context} {input}",
	})
	store := NewStore(src, WithDefaultLanguage("en"))

	tmpl, err := store.Resolve(context.Background(), KindSystem, "es-MX")
	require.NoError(t, err)
	assert.Equal(t, TierLanguage, tmpl.Tier)
	assert.Equal(t, "ES {context} {input}", tmpl.Body)
}

func TestStore_Resolve_OpenLanguageKeysAreBounded(t *testing.T) {
	src := &countingSource{inner: NewMapSource(map[string]string{
		"system": "GENERIC {context} {input}",
	})}
	store := NewStore(src, WithDefaultLanguage("en"))
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		tmpl, err := store.Resolve(ctx, KindSystem, fmt.Sprintf("en-x%05d", i))
		require.NoError(t, err)
		assert.Equal(t, TierGeneric, tmpl.Tier)
	}

	assert.LessOrEqual(t, store.CacheSize(), maxOpenLanguages+1)
	// Each admitted tag reads exact, base, generic at most once.
	assert.LessOrEqual(t, src.reads.Load(), int64(3*(maxOpenLanguages+1)))
}

func TestStore_DiscoverLanguages(t *testing.T) {
	src := NewMapSource(map[string]string{
		"es/system": "ES {context} {input}",
		"zh/crisis": "ZH {query}",
		"system":    "GENERIC {context} {input}",
	})
	store := NewStore(src, WithDefaultLanguage("en"))
	require.NoError(t, store.DiscoverLanguages(context.Background()))

	assert.Equal(t, "es", store.normalizeLanguage("es-MX"))
	assert.Equal(t, "zh", store.normalizeLanguage("zh"))
	assert.Equal(t, "en", store.normalizeLanguage("fr"))
	assert.Equal(t, "en", store.normalizeLanguage("en-GB"))

	for i := 0; i < 100; i++ {
		_, err := store.Resolve(context.Background(), KindSystem, fmt.Sprintf("fr-x%03d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.CacheSize(), "unknown tags share the default key")
}

func TestStore_DiscoverLanguages_ConfiguredSetWins(t *testing.T) {
	src := NewMapSource(map[string]string{"es/system": "ES {context} {input}"})
	store := NewStore(src, WithDefaultLanguage("en"), WithSupportedLanguages("en"))
	require.NoError(t, store.DiscoverLanguages(context.Background()))

	assert.Equal(t, "en", store.normalizeLanguage("es"))
}

func TestStore_DiscoverLanguages_UnlistableSourceStaysOpen(t *testing.T) {
	src := &countingSource{inner: NewMapSource(nil)}
	store := NewStore(src, WithDefaultLanguage("en"))
	require.NoError(t, store.DiscoverLanguages(context.Background()))

	assert.Equal(t, "pt-br", store.normalizeLanguage("pt-BR"))
}

func TestFileSource_Languages(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmpl/system.tmpl", []byte("generic"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tmpl/es/system.tmpl", []byte("es"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tmpl/zh/crisis.tmpl", []byte("zh"), 0o644))

	languages, err := NewFileSource(fs, "/tmpl").Languages(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"es", "zh"}, languages)

	languages, err = NewFileSource(fs, "/missing").Languages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, languages)
}

func TestFileSource_Read(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmpl/system.tmpl", []byte("generic"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tmpl/zh/system.tmpl", []byte("中文"), 0o644))
	src := NewFileSource(fs, "/tmpl")
	ctx := context.Background()

	body, err := src.Read(ctx, KindSystem, "")
	require.NoError(t, err)
	assert.Equal(t, "generic", body)

	body, err = src.Read(ctx, KindSystem, "zh")
	require.NoError(t, err)
	assert.Equal(t, "中文", body)

	_, err = src.Read(ctx, KindCrisis, "")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	store := NewStore(src)
	tmpl, err := store.Resolve(ctx, KindSystem, "zh")
	require.NoError(t, err)
	assert.Equal(t, TierLanguage, tmpl.Tier)
	assert.Equal(t, "中文", tmpl.Body)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		body string
		vars map[string]string
		want string
	}{
		{
			name: "All placeholders",
			body: "ctx={context} q={input}",
			vars: map[string]string{"context": "C", "input": "Q"},
			want: "ctx=C q=Q",
		},
		{
			name: "Missing placeholder renders empty",
			body: "ctx=[{context}] q={query}",
			vars: map[string]string{"query": "Q"},
			want: "ctx=[] q=Q",
		},
		{
			name: "Repeated placeholder",
			body: "{input} / {input}",
			vars: map[string]string{"input": "x"},
			want: "x / x",
		},
		{
			name: "JSON braces untouched",
			body: `{"a": 1} {input}`,
			vars: map[string]string{"input": "x"},
			want: `{"a": 1} x`,
		},
		{
			name: "Values are not re-expanded",
			body: "{input}",
			vars: map[string]string{"input": "{context}", "context": "nope"},
			want: "{context}",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.body, tc.vars))
		})
	}
}

func TestValidateBuiltins(t *testing.T) {
	require.NoError(t, ValidateBuiltins())
	assert.Equal(t, []string{"context", "history", "input"}, Placeholders(builtinSystem))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("crisis")
	require.NoError(t, err)
	assert.Equal(t, KindCrisis, k)

	_, err = ParseKind("limerick")
	assert.Error(t, err)
}
