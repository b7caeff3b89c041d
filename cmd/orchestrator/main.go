// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the companion orchestrator.
//
// # Commands
//
//   - serve: Start the HTTP service.
//   - ask: Answer one message and print the reply with its sources. The
//     message comes from the arguments, or from stdin when none are given.
//   - summarize: Summarize one recorded session.
//   - templates: Show which template each kind resolves to, and from which tier.
//
// Every command reads --config (default: $COMPANION_CONFIG, else none) and
// then the environment overrides documented on orchestrator.Config.ApplyEnv.
//
// # Usage
//
//	# Build
//	go build -o companion ./cmd/orchestrator
//
//	# Run
//	./companion serve --config companion.yaml
//	./companion ask --config companion.yaml --lang es "me siento solo"
//	echo "I can't sleep" | ./companion ask --config companion.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
