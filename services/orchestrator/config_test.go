// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envMap adapts a map to the ApplyEnv lookup signature.
func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Namespaces = []NamespaceConfig{
		{Name: "theory", Backend: NamespaceBackendChromem},
		{Name: "plan", Backend: NamespaceBackendChromem},
	}
	return cfg
}

// =============================================================================
// Defaults
// =============================================================================

// TestDefaultConfig verifies default values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 12210, cfg.Server.Port, "default port should be 12210")
	assert.Equal(t, 60*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, 4, cfg.Retrieval.TopK)
	assert.Equal(t, retrieval.DefaultMaxContextChars, cfg.Retrieval.MaxContextChars)
	assert.Equal(t, "en", cfg.Templates.DefaultLanguage)
	assert.True(t, cfg.Telemetry.EnableMetrics, "metrics should be enabled by default")
	assert.False(t, cfg.Telemetry.EnableTracing)
	assert.Empty(t, cfg.Namespaces)
	assert.Equal(t, SessionBackendWeaviate, cfg.Sessions.Backend)
	assert.Equal(t, LogFormatAuto, cfg.Log.Format)
}

// =============================================================================
// Loading
// =============================================================================

// TestLoadConfig_FileOverDefaults verifies that YAML values win and unset
// keys keep their defaults.
func TestLoadConfig_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  request_timeout: 15s
llm:
  backend: ollama
  model: llama3.1:8b
  temperature: 0.4
  timeout: 20s
retrieval:
  top_k: 3
namespaces:
  - name: theory
    backend: chromem
  - name: future_self
    backend: chromem
    persist_path: /tmp/companion
templates:
  languages: [en, es]
`), 0o600))

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "unset keys keep defaults")
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 0.4, *cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, []retrieval.Namespace{"theory", "future_self"}, cfg.NamespaceNames())
	assert.Equal(t, []string{"en", "es"}, cfg.Templates.Languages)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [not, a, map"), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

// =============================================================================
// Environment
// =============================================================================

func TestApplyEnv(t *testing.T) {
	cfg := validConfig()

	err := cfg.ApplyEnv(envMap(map[string]string{
		"COMPANION_PORT":              "8088",
		"LLM_BACKEND_TYPE":            "Claude",
		"ANTHROPIC_API_KEY":           "'sk-ant'",
		"OPENAI_API_KEY":              "sk-openai",
		"OLLAMA_BASE_URL":             "http://ollama:11434",
		"WEAVIATE_SERVICE_URL":        "http://weaviate:8080",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
	}))

	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Backend)
	assert.Equal(t, "sk-ant", cfg.LLM.APIKey, "key follows the selected backend")
	assert.Empty(t, cfg.LLM.BaseURL, "ollama URL only applies to the ollama backend")
	assert.Equal(t, "http://ollama:11434", cfg.Embedding.BaseURL)
	assert.Equal(t, "http://weaviate:8080", cfg.Weaviate.URL)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTelEndpoint)
	assert.True(t, cfg.Telemetry.EnableTracing)
}

func TestApplyEnv_EmptyValuesIgnored(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"COMPANION_PORT": "", "LLM_BACKEND_TYPE": " "})))
	assert.Equal(t, 12210, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := validConfig()
	assert.Error(t, cfg.ApplyEnv(envMap(map[string]string{"COMPANION_PORT": "http"})))
}

// =============================================================================
// Validation
// =============================================================================

// TestConfig_Validate verifies configuration errors are reported at load.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no namespaces", func(c *Config) { c.Namespaces = nil }},
		{"unknown llm backend", func(c *Config) { c.LLM.Backend = "gpt-local" }},
		{"zero top k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"negative cap", func(c *Config) { c.Retrieval.MaxContextChars = -1 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown namespace backend", func(c *Config) { c.Namespaces[0].Backend = "pinecone" }},
		{"blank namespace", func(c *Config) { c.Namespaces[0].Name = "" }},
		{"duplicate namespace", func(c *Config) { c.Namespaces[1].Name = "theory" }},
		{"weaviate namespace without url", func(c *Config) { c.Namespaces[0].Backend = NamespaceBackendWeaviate }},
		{"bad gin mode", func(c *Config) { c.Server.GinMode = "verbose" }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"unknown session backend", func(c *Config) { c.Sessions.Backend = "redis" }},
		{"temperature too high", func(c *Config) { v := float32(3); c.LLM.Temperature = &v }},
		{"negative retention", func(c *Config) { c.Sessions.Retention = -time.Hour }},
	}

	require.NoError(t, validConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_NeedsWeaviate(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.NeedsWeaviate())

	cfg.Weaviate.URL = "http://weaviate:8080"
	assert.True(t, cfg.NeedsWeaviate(), "sessions use weaviate when a URL is set")

	cfg.Sessions.Backend = SessionBackendBadger
	assert.False(t, cfg.NeedsWeaviate(), "badger sessions never need weaviate")

	cfg.Sessions.Backend = SessionBackendWeaviate
	cfg.Sessions.Enabled = false
	assert.False(t, cfg.NeedsWeaviate())

	cfg.Namespaces[0].Backend = NamespaceBackendWeaviate
	assert.True(t, cfg.NeedsWeaviate())
}

func TestNamespaceConfig_Names(t *testing.T) {
	ns := NamespaceConfig{Name: "future-self"}
	assert.Equal(t, "Companion_future_self", ns.weaviateClassName())
	assert.Equal(t, "future-self", ns.collectionName())

	ns = NamespaceConfig{Name: "plan", ClassName: "PlanDoc", Collection: "plans"}
	assert.Equal(t, "PlanDoc", ns.weaviateClassName())
	assert.Equal(t, "plans", ns.collectionName())
}

func TestLogConfig_UseJSON(t *testing.T) {
	tests := []struct {
		format   string
		terminal bool
		want     bool
	}{
		{LogFormatAuto, true, false},
		{LogFormatAuto, false, true},
		{"", false, true},
		{LogFormatText, false, false},
		{LogFormatJSON, true, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LogConfig{Format: tt.format}.UseJSON(tt.terminal), "format=%q terminal=%v", tt.format, tt.terminal)
	}
}
