// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keywords carries the default crisis keyword sets.
package keywords

import (
	_ "embed"
)

// DefaultRiskKeywords holds the raw content of risk_keywords.yaml.
//
// The file is baked into the binary so the safety-relevant keyword list cannot
// drift from what was reviewed without a rebuild. Deployments that need a
// different list point risk.keyword_file at their own YAML instead of editing
// this one.
//
//go:embed risk_keywords.yaml
var DefaultRiskKeywords []byte
