// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RiskAssessment is the outcome of classifying one message. It is produced
// once per message and never mutated.
type RiskAssessment struct {
	IsRisk bool `json:"is_risk"`

	// MatchedKeyword is the keyword that triggered the assessment, empty when
	// IsRisk is false.
	MatchedKeyword string `json:"matched_keyword,omitempty"`

	// Language is the keyword set that was actually used, after fallback.
	Language string `json:"language"`
}

// KeywordFile is the YAML shape of a keyword definition file.
type KeywordFile struct {
	DefaultLanguage string                `yaml:"default_language"`
	Languages       map[string]KeywordSet `yaml:"languages"`
}

// KeywordSet is the ordered keyword list for one language. Declaration order
// is match order.
type KeywordSet struct {
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// ParseKeywordFile decodes and normalizes a keyword file.
//
// Language tags and keywords are lower-cased and whitespace-collapsed so that
// matching can compare normalized strings directly. Empty keywords are
// dropped. The default language must exist and have at least one keyword.
func ParseKeywordFile(data []byte) (*KeywordFile, error) {
	var kf KeywordFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keyword file: %w", err)
	}

	kf.DefaultLanguage = normalizeLanguage(kf.DefaultLanguage)
	if kf.DefaultLanguage == "" {
		return nil, fmt.Errorf("keyword file has no default_language")
	}

	normalized := make(map[string]KeywordSet, len(kf.Languages))
	for lang, set := range kf.Languages {
		keywords := make([]string, 0, len(set.Keywords))
		for _, kw := range set.Keywords {
			if kw = normalizeText(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		set.Keywords = keywords
		normalized[normalizeLanguage(lang)] = set
	}
	kf.Languages = normalized

	def, ok := kf.Languages[kf.DefaultLanguage]
	if !ok || len(def.Keywords) == 0 {
		return nil, fmt.Errorf("default language %q has no keywords", kf.DefaultLanguage)
	}
	return &kf, nil
}

func normalizeLanguage(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// normalizeText lower-cases s and collapses every whitespace run to a single
// space.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
