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
	"fmt"
	"strings"
)

// Built-in defaults. These are the last resolution tier and must always be
// usable; ValidateBuiltins guards them at startup.
const (
	builtinSystem = `You are a warm, steady companion trained in Acceptance and Commitment Therapy (ACT).
Ground your answer in the reference material below when it is relevant. If the material
does not cover the question, say so plainly and answer from general ACT principles.
Never diagnose. Keep the reply short, kind and concrete.

Reference material:
{context}

Recent conversation:
{history}

User: {input}
Companion:`

	builtinCrisis = `You are a calm, caring companion. The user may be in immediate danger.
Respond with empathy first. Encourage them to contact local emergency services or a
crisis line right now, and to reach out to someone they trust. Do not give advice
unrelated to their safety. Do not lecture. Keep the reply brief and human.
{context}
User: {query}
Companion:`

	builtinSummarize = `Summarize the following session notes in a few sentences for the person who wrote them.
Highlight the values, commitments and coping strategies they mentioned. Write in the second
person and keep a supportive tone.

Session notes:
{input}

Summary:`
)

var builtinTemplates = map[Kind]string{
	KindSystem:    builtinSystem,
	KindCrisis:    builtinCrisis,
	KindSummarize: builtinSummarize,
}

// requiredPlaceholders lists, per kind, the placeholder groups a built-in must
// contain. Each group is satisfied by any one of its names.
var requiredPlaceholders = map[Kind][][]string{
	KindSystem:    {{"context"}, {"input", "query"}},
	KindCrisis:    {{"context"}, {"input", "query"}},
	KindSummarize: {{"input"}},
}

// Builtin returns the built-in body for kind.
func Builtin(kind Kind) (string, bool) {
	body, ok := builtinTemplates[kind]
	return body, ok
}

// ValidateBuiltins checks that every kind has a non-empty built-in default
// carrying its required placeholders. A failure is a programming error.
func ValidateBuiltins() error {
	for _, kind := range Kinds() {
		body, ok := builtinTemplates[kind]
		if !ok || strings.TrimSpace(body) == "" {
			return fmt.Errorf("built-in template for %q is missing", kind)
		}
		present := make(map[string]bool)
		for _, name := range Placeholders(body) {
			present[name] = true
		}
		for _, group := range requiredPlaceholders[kind] {
			satisfied := false
			for _, name := range group {
				if present[name] {
					satisfied = true
					break
				}
			}
			if !satisfied {
				return fmt.Errorf("built-in template for %q lacks placeholder %v", kind, group)
			}
		}
	}
	return nil
}
