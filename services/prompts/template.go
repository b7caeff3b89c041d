// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts resolves, caches and renders the prompt templates used by
// the conversation orchestrator.
//
// A template is looked up through an ordered list of strategies: the
// language-specific source, the generic source, then a built-in default that
// cannot fail. Each miss is a fallback event, not an error. Resolved templates
// are cached per (kind, language) for the lifetime of the Store.
package prompts

import (
	"fmt"
	"regexp"
)

// Kind identifies what a template is for.
type Kind string

const (
	// KindSystem frames a grounded (RAG) reply. Placeholders: {context},
	// {input} or {query}, optionally {history}.
	KindSystem Kind = "system"

	// KindCrisis frames a crisis reply. Placeholders: {context} (always
	// empty), {input} or {query}.
	KindCrisis Kind = "crisis"

	// KindSummarize frames a session summary. Placeholder: {input}.
	KindSummarize Kind = "summarize"
)

// Kinds lists every template kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindSystem, KindCrisis, KindSummarize}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := builtinTemplates[k]
	return ok
}

// ParseKind converts a string to a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown template kind %q", s)
	}
	return k, nil
}

// Tier names the resolution strategy a template came from.
type Tier string

const (
	TierLanguage Tier = "language"
	TierGeneric  Tier = "generic"
	TierBuiltin  Tier = "builtin"
)

// Template is an immutable resolved prompt template.
type Template struct {
	Kind     Kind   `json:"kind"`
	Language string `json:"language"`
	Body     string `json:"body"`

	// Tier records which strategy produced Body.
	Tier Tier `json:"tier"`
}

// Render substitutes vars into the template body. See Render.
func (t Template) Render(vars map[string]string) string {
	return Render(t.Body, vars)
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render replaces every {name} placeholder in body with vars[name].
//
// Placeholders with no entry in vars render as the empty string. Text in
// braces that is not an identifier (for example JSON such as {"a": 1}) is
// left alone.
func Render(body string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := match[1 : len(match)-1]
		return vars[name]
	})
}

// Placeholders returns the distinct placeholder names in body, in order of
// first appearance.
func Placeholders(body string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
