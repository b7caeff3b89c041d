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
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("aleutian.companion.prompts")

// sourceReadTimeout bounds one cache fill. The fill is detached from the
// caller's cancellation so a single abandoned request cannot cache a
// degraded tier for the life of the process.
const sourceReadTimeout = 10 * time.Second

// languageTagPattern accepts tags like "en", "pt-br", "zh_hant". Anything else
// is never used as a path segment or cache key.
var languageTagPattern = regexp.MustCompile(`^[a-z]{2,3}([-_][a-z0-9]{2,8})?$`)

// maxOpenLanguages caps the distinct tags admitted as cache keys when no
// supported set is known. Later tags map to an admitted base tag or the
// default language.
const maxOpenLanguages = 32

// FallbackObserver is notified each time a resolution tier has nothing and
// the next tier is tried.
type FallbackObserver interface {
	TemplateFallback(kind, language, missedTier string)
}

// =============================================================================
// Strategies
// =============================================================================

// Strategy is one resolution tier. Lookup reports whether it produced a
// usable (non-blank) body.
type Strategy interface {
	Tier() Tier
	Lookup(ctx context.Context, kind Kind, language string) (string, bool)
}

// LanguageStrategy reads the language-specific template from a Source. A
// regional tag such as "es-mx" is tried as given, then as its base tag "es".
type LanguageStrategy struct{ Source Source }

func (s LanguageStrategy) Tier() Tier { return TierLanguage }

func (s LanguageStrategy) Lookup(ctx context.Context, kind Kind, language string) (string, bool) {
	if s.Source == nil || language == "" {
		return "", false
	}
	if body, ok := readUsable(ctx, s.Source, kind, language); ok {
		return body, true
	}
	if base := baseTag(language); base != language {
		return readUsable(ctx, s.Source, kind, base)
	}
	return "", false
}

// baseTag returns the primary subtag of a language tag.
func baseTag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}

// GenericStrategy reads the language-neutral template from a Source.
type GenericStrategy struct{ Source Source }

func (s GenericStrategy) Tier() Tier { return TierGeneric }

func (s GenericStrategy) Lookup(ctx context.Context, kind Kind, _ string) (string, bool) {
	if s.Source == nil {
		return "", false
	}
	return readUsable(ctx, s.Source, kind, "")
}

// BuiltinStrategy returns the compiled-in default. It succeeds for every
// known kind.
type BuiltinStrategy struct{}

func (BuiltinStrategy) Tier() Tier { return TierBuiltin }

func (BuiltinStrategy) Lookup(_ context.Context, kind Kind, _ string) (string, bool) {
	return Builtin(kind)
}

func readUsable(ctx context.Context, src Source, kind Kind, language string) (string, bool) {
	body, err := src.Read(ctx, kind, language)
	if err != nil {
		if !errors.Is(err, ErrTemplateNotFound) {
			slog.Warn("Template source read failed, treating tier as missing",
				"kind", kind,
				"language", language,
				"error", err)
		}
		return "", false
	}
	if strings.TrimSpace(body) == "" {
		return "", false
	}
	return body, true
}

// =============================================================================
// Store
// =============================================================================

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithObserver reports tier misses to o.
func WithObserver(o FallbackObserver) StoreOption {
	return func(s *Store) { s.observer = o }
}

// WithDefaultLanguage sets the language used when a request has none.
func WithDefaultLanguage(language string) StoreOption {
	return func(s *Store) { s.defaultLanguage = strings.ToLower(strings.TrimSpace(language)) }
}

// WithSupportedLanguages restricts language tiers (and therefore cache keys)
// to the given tags. Other tags fall back to their base tag, then to the
// default language.
func WithSupportedLanguages(languages ...string) StoreOption {
	return func(s *Store) {
		s.supported = make(map[string]bool, len(languages))
		for _, l := range languages {
			s.supported[strings.ToLower(strings.TrimSpace(l))] = true
		}
	}
}

// WithStrategies replaces the default strategy chain. The chain should end
// with BuiltinStrategy.
func WithStrategies(strategies ...Strategy) StoreOption {
	return func(s *Store) { s.strategies = strategies }
}

type cacheKey struct {
	kind     Kind
	language string
}

// Store resolves templates through an ordered strategy list and caches the
// result per (kind, language).
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent first requests for the same key share
// one resolution, so the external source is read at most once per key.
type Store struct {
	source          Source
	strategies      []Strategy
	observer        FallbackObserver
	defaultLanguage string

	langMu    sync.Mutex
	supported map[string]bool
	admitted  map[string]bool

	mu    sync.RWMutex
	cache map[cacheKey]Template
	fill  singleflight.Group
}

// NewStore creates a Store over source with the standard chain:
// LanguageStrategy, GenericStrategy, BuiltinStrategy. A nil source leaves
// only the built-in tier reachable.
func NewStore(source Source, opts ...StoreOption) *Store {
	s := &Store{
		source:     source,
		strategies: []Strategy{
			LanguageStrategy{Source: source},
			GenericStrategy{Source: source},
			BuiltinStrategy{},
		},
		cache:    make(map[cacheKey]Template),
		admitted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks the built-in defaults. Call once at construction.
func (s *Store) Validate() error {
	return ValidateBuiltins()
}

// DiscoverLanguages restricts the language key space to the languages the
// source actually holds, plus the default language. It is a no-op when a
// supported set was configured or the source cannot list its languages.
func (s *Store) DiscoverLanguages(ctx context.Context) error {
	lister, ok := s.source.(LanguageLister)
	if !ok {
		return nil
	}
	s.langMu.Lock()
	configured := s.supported != nil
	s.langMu.Unlock()
	if configured {
		return nil
	}

	languages, err := lister.Languages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list template languages: %w", err)
	}
	supported := make(map[string]bool, len(languages)+1)
	for _, l := range languages {
		tag := strings.ToLower(strings.TrimSpace(l))
		if languageTagPattern.MatchString(tag) {
			supported[tag] = true
		}
	}
	if s.defaultLanguage != "" {
		supported[s.defaultLanguage] = true
	}

	s.langMu.Lock()
	s.supported = supported
	s.langMu.Unlock()
	slog.Info("Prompt template languages discovered", "count", len(supported))
	return nil
}

// CacheSize reports the number of cached (kind, language) templates.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Resolve returns the template for kind and language.
//
// # Description
//
// On a cache hit the cached template is returned without touching any
// source. On a miss each strategy is tried in order; every tier that has
// nothing is logged and reported to the observer before moving on. The
// built-in tier always succeeds for a known kind.
//
// # Inputs
//
//   - ctx: Used for tracing. Source reads are detached from its
//     cancellation and bounded by their own timeout.
//   - kind: Template kind. Unknown kinds are an error.
//   - language: Language tag; empty or malformed tags use the default
//     language.
//
// # Outputs
//
//   - Template: Immutable resolved template. Identical on every call for the
//     same (kind, language).
//   - error: Non-nil only for an unknown kind or a broken built-in, both
//     programming errors.
func (s *Store) Resolve(ctx context.Context, kind Kind, language string) (Template, error) {
	if !kind.Valid() {
		return Template{}, fmt.Errorf("unknown template kind %q", kind)
	}
	key := cacheKey{kind: kind, language: s.normalizeLanguage(language)}

	if t, ok := s.cached(key); ok {
		return t, nil
	}

	ctx, span := tracer.Start(ctx, "Store.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("template.kind", string(kind)),
		attribute.String("template.language", key.language),
	)

	v, err, _ := s.fill.Do(string(key.kind)+"\x00"+key.language, func() (interface{}, error) {
		if t, ok := s.cached(key); ok {
			return t, nil
		}
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sourceReadTimeout)
		defer cancel()

		t, err := s.resolveUncached(readCtx, key)
		if err != nil {
			return Template{}, err
		}
		s.mu.Lock()
		s.cache[key] = t
		s.mu.Unlock()
		return t, nil
	})
	if err != nil {
		span.RecordError(err)
		return Template{}, err
	}
	t := v.(Template)
	span.SetAttributes(attribute.String("template.tier", string(t.Tier)))
	return t, nil
}

func (s *Store) cached(key cacheKey) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[key]
	return t, ok
}

func (s *Store) resolveUncached(ctx context.Context, key cacheKey) (Template, error) {
	for _, strategy := range s.strategies {
		body, ok := strategy.Lookup(ctx, key.kind, key.language)
		if ok {
			return Template{
				Kind:     key.kind,
				Language: key.language,
				Body:     body,
				Tier:     strategy.Tier(),
			}, nil
		}
		slog.Info("Prompt template tier missing, falling back",
			"kind", key.kind,
			"language", key.language,
			"tier", strategy.Tier())
		if s.observer != nil {
			s.observer.TemplateFallback(string(key.kind), key.language, string(strategy.Tier()))
		}
	}
	return Template{}, fmt.Errorf("no template resolved for %q (built-in default missing)", key.kind)
}

// normalizeLanguage maps a request tag onto the cache key space. With a
// supported set, unsupported tags fall back to their base tag, then to the
// default language. Without one, at most maxOpenLanguages tags are admitted.
func (s *Store) normalizeLanguage(language string) string {
	tag := strings.ToLower(strings.TrimSpace(language))
	if tag == "" || !languageTagPattern.MatchString(tag) {
		return s.defaultLanguage
	}

	s.langMu.Lock()
	defer s.langMu.Unlock()

	known := s.supported
	if known == nil {
		if !s.admitted[tag] && len(s.admitted) < maxOpenLanguages {
			s.admitted[tag] = true
		}
		known = s.admitted
	}
	if known[tag] {
		return tag
	}
	if base := baseTag(tag); known[base] {
		return base
	}
	return s.defaultLanguage
}
