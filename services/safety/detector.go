// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety classifies user messages for crisis language.
//
// Classification is a case-insensitive substring match against a fixed,
// language-selected keyword list. It is deliberately not a model call: the
// result must be deterministic, explainable from the keyword that matched, and
// available even when every external dependency is down.
package safety

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianCompanion/services/safety/keywords"
)

// LanguageFallbackObserver is notified when a message's language has no
// keyword set and the default set is used instead.
type LanguageFallbackObserver interface {
	RiskLanguageFallback(requested, used string)
}

// RiskDetector holds the loaded keyword sets. It is read-only after
// construction and safe for concurrent use.
type RiskDetector struct {
	defaultLanguage string
	sets            map[string][]string
	observer        LanguageFallbackObserver
}

// NewRiskDetector builds a detector from the embedded default keyword file.
func NewRiskDetector() (*RiskDetector, error) {
	return NewRiskDetectorFromYAML(keywords.DefaultRiskKeywords)
}

// NewRiskDetectorFromFile builds a detector from a keyword file on disk.
func NewRiskDetectorFromFile(path string) (*RiskDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyword file %s: %w", path, err)
	}
	return NewRiskDetectorFromYAML(data)
}

// NewRiskDetectorFromYAML parses keyword YAML and builds a detector.
//
// Returns an error if the YAML is malformed or the default language has no
// keywords. Both are configuration errors and should stop startup.
func NewRiskDetectorFromYAML(data []byte) (*RiskDetector, error) {
	kf, err := ParseKeywordFile(data)
	if err != nil {
		return nil, err
	}
	sets := make(map[string][]string, len(kf.Languages))
	for lang, set := range kf.Languages {
		if len(set.Keywords) > 0 {
			sets[lang] = set.Keywords
		}
	}
	return &RiskDetector{
		defaultLanguage: kf.DefaultLanguage,
		sets:            sets,
	}, nil
}

// WithObserver returns a copy of the detector that reports language
// fallbacks to o.
func (d *RiskDetector) WithObserver(o LanguageFallbackObserver) *RiskDetector {
	clone := *d
	clone.observer = o
	return &clone
}

// DefaultLanguage is the language used when a message's tag is unknown.
func (d *RiskDetector) DefaultLanguage() string {
	return d.defaultLanguage
}

// Languages lists the languages that have a keyword set.
func (d *RiskDetector) Languages() []string {
	langs := make([]string, 0, len(d.sets))
	for lang := range d.sets {
		langs = append(langs, lang)
	}
	return langs
}

// Classify reports whether message contains crisis language.
//
// # Description
//
// The message is lower-cased and whitespace-collapsed, then each keyword of
// the selected language is checked in declaration order. The first keyword
// found anywhere in the message is returned. Empty or whitespace-only
// messages are never risky.
//
// # Inputs
//
//   - message: Raw user text. May be empty.
//   - language: Language tag such as "en", "en-US" or "zh_CN". May be empty.
//
// # Outputs
//
//   - RiskAssessment: Always valid. Classify never fails and never panics.
//
// # Limitations
//
//   - Substring matching has no notion of negation ("I would never kill
//     myself" is still flagged). For a crisis route a false positive is the
//     acceptable failure mode.
func (d *RiskDetector) Classify(message, language string) RiskAssessment {
	lang, set := d.keywordsFor(language)
	assessment := RiskAssessment{Language: lang}

	text := normalizeText(message)
	if text == "" {
		return assessment
	}

	for _, kw := range set {
		if strings.Contains(text, kw) {
			assessment.IsRisk = true
			assessment.MatchedKeyword = kw
			return assessment
		}
	}
	return assessment
}

// keywordsFor resolves a language tag to a keyword set: exact tag, then the
// base tag before '-' or '_', then the default language.
func (d *RiskDetector) keywordsFor(language string) (string, []string) {
	tag := normalizeLanguage(language)
	if tag == "" {
		return d.defaultLanguage, d.sets[d.defaultLanguage]
	}
	if set, ok := d.sets[tag]; ok {
		return tag, set
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		if set, ok := d.sets[tag[:i]]; ok {
			return tag[:i], set
		}
	}

	slog.Info("No risk keywords for language, using default set",
		"requested", tag,
		"default", d.defaultLanguage)
	if d.observer != nil {
		d.observer.RiskLanguageFallback(tag, d.defaultLanguage)
	}
	return d.defaultLanguage, d.sets[d.defaultLanguage]
}
