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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/services/llm"
	"github.com/AleutianAI/AleutianCompanion/services/retrieval"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Namespace backends.
const (
	NamespaceBackendWeaviate = "weaviate"
	NamespaceBackendChromem  = "chromem"
)

// Config holds orchestrator configuration options.
//
// # Description
//
// Config is read from YAML by LoadConfig, overridden from the environment,
// and checked with Validate. Start from DefaultConfig when building one in
// code so that unset sections keep their defaults.
//
// # Examples
//
//	server:
//	  port: 12210
//	  request_timeout: 45s
//	llm:
//	  backend: ollama
//	  model: llama3.1:8b
//	retrieval:
//	  top_k: 4
//	namespaces:
//	  - name: theory
//	    backend: weaviate
//	    class_name: TheoryDoc
//	weaviate:
//	  url: http://localhost:8080
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	LLM        LLMConfig         `yaml:"llm"`
	Retrieval  RetrievalConfig   `yaml:"retrieval"`
	Namespaces []NamespaceConfig `yaml:"namespaces" validate:"required,min=1,dive"`
	Embedding  EmbeddingConfig   `yaml:"embedding"`
	Weaviate   WeaviateConfig    `yaml:"weaviate"`
	Templates  TemplatesConfig   `yaml:"templates"`
	Risk       RiskConfig        `yaml:"risk"`
	Sessions   SessionsConfig    `yaml:"sessions"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Log        LogConfig         `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// RequestTimeout bounds each chat and summary request. Default: 60s
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	// GinMode: "debug", "release" or "test". Default: release
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
}

// LLMConfig selects and tunes the completion backend.
type LLMConfig struct {
	Backend      string `yaml:"backend" validate:"required,oneof=openai ollama anthropic llamacpp"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string `yaml:"api_key"`
	SystemPrompt string `yaml:"system_prompt"`
	KeepAlive    string `yaml:"keep_alive"`

	// Warm loads an Ollama model at startup.
	Warm bool `yaml:"warm"`

	Temperature *float32 `yaml:"temperature" validate:"omitempty,min=0,max=2"`
	MaxTokens   *int     `yaml:"max_tokens" validate:"omitempty,min=1"`

	// Timeout bounds one model call (the generation timeout). Zero leaves
	// only the request deadline.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`

	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
}

// RetrievalConfig tunes the aggregator.
type RetrievalConfig struct {
	TopK             int           `yaml:"top_k" validate:"min=1"`
	MaxContextChars  int           `yaml:"max_context_chars" validate:"min=1"`
	// MaxHistoryChars caps caller history in the prompt. Zero uses
	// MaxContextChars.
	MaxHistoryChars  int           `yaml:"max_history_chars" validate:"min=0"`
	NamespaceTimeout time.Duration `yaml:"namespace_timeout" validate:"min=0"`
}

// NamespaceConfig binds one knowledge namespace to a backend.
//
//   - weaviate: ClassName is searched. Defaults to "Companion_<name>".
//   - chromem: Collection (default: the namespace name) is opened from
//     PersistPath, or in memory when PersistPath is empty.
type NamespaceConfig struct {
	Name        string `yaml:"name" validate:"required,max=64"`
	Backend     string `yaml:"backend" validate:"required,oneof=weaviate chromem"`
	ClassName   string `yaml:"class_name"`
	Collection  string `yaml:"collection"`
	PersistPath string `yaml:"persist_path"`
}

// EmbeddingConfig is the Ollama embedding model used by chromem namespaces.
type EmbeddingConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// WeaviateConfig locates the Weaviate instance used by weaviate namespaces
// and the session store.
type WeaviateConfig struct {
	URL string `yaml:"url"`
}

// TemplatesConfig selects the template source. Dir wins over GCSBucket;
// with neither, only the built-in templates are used.
type TemplatesConfig struct {
	Dir             string   `yaml:"dir"`
	GCSBucket       string   `yaml:"gcs_bucket"`
	GCSPrefix       string   `yaml:"gcs_prefix"`
	CredentialsFile string   `yaml:"credentials_file"`
	DefaultLanguage string   `yaml:"default_language" validate:"omitempty,max=35"`
	Languages       []string `yaml:"languages"`
}

// RiskConfig replaces the embedded keyword sets when KeywordFile is set.
type RiskConfig struct {
	KeywordFile string `yaml:"keyword_file"`
}

// Session store backends.
const (
	SessionBackendWeaviate = "weaviate"
	SessionBackendBadger   = "badger"
)

// SessionsConfig controls session recording and summaries. The weaviate
// backend needs weaviate.url and is disabled without it; the badger backend
// is embedded and keeps its files under Path (in memory when Path is empty).
type SessionsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Backend  string `yaml:"backend" validate:"omitempty,oneof=weaviate badger"`
	Path     string `yaml:"path"`
	MaxTurns int    `yaml:"max_turns" validate:"min=0"`

	// Retention deletes sessions that began longer ago than this while the
	// service runs. Zero keeps sessions forever.
	Retention time.Duration `yaml:"retention" validate:"min=0"`

	// CleanupInterval defaults to one hour.
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"min=0"`
}

// TelemetryConfig controls tracing and metrics.
type TelemetryConfig struct {
	OTelEndpoint  string `yaml:"otel_endpoint"`
	EnableTracing bool   `yaml:"enable_tracing"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	ServiceName   string `yaml:"service_name"`
}

// Log output formats.
const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogConfig controls pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`

	// Format is auto, text or json. Auto writes text to a terminal and JSON
	// everywhere else.
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

// UseJSON reports whether console output should be JSON, given whether
// stderr is a terminal.
func (l LogConfig) UseJSON(stderrIsTerminal bool) bool {
	switch l.Format {
	case LogFormatJSON:
		return true
	case LogFormatText:
		return false
	default:
		return !stderrIsTerminal
	}
}

// DefaultConfig returns a Config with every default applied and no
// namespaces.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            12210,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			GinMode:         "release",
		},
		LLM: LLMConfig{
			Backend: llm.BackendOllama,
			Timeout: 45 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:             4,
			MaxContextChars:  retrieval.DefaultMaxContextChars,
			NamespaceTimeout: 5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model: "nomic-embed-text",
		},
		Templates: TemplatesConfig{
			DefaultLanguage: "en",
		},
		Sessions: SessionsConfig{
			Enabled: true,
			Backend: SessionBackendWeaviate,
		},
		Telemetry: TelemetryConfig{
			OTelEndpoint:  "aleutian-otel-collector:4317",
			EnableMetrics: true,
			ServiceName:   "companion-orchestrator",
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatAuto,
		},
	}
}

// LoadConfig reads path over DefaultConfig, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
//
//   - COMPANION_PORT: server.port
//   - LLM_BACKEND_TYPE: llm.backend ("claude" is accepted for anthropic)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY: llm.api_key for the matching backend
//   - OLLAMA_BASE_URL: llm.base_url for ollama, and embedding.base_url
//   - WEAVIATE_SERVICE_URL: weaviate.url
//   - OTEL_EXPORTER_OTLP_ENDPOINT: telemetry.otel_endpoint, enables tracing
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.Trim(v, "\"' ")
		return v, ok && v != ""
	}

	if v, ok := get("COMPANION_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COMPANION_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := get("LLM_BACKEND_TYPE"); ok {
		v = strings.ToLower(v)
		if v == "claude" {
			v = llm.BackendAnthropic
		}
		c.LLM.Backend = v
	}
	switch c.LLM.Backend {
	case llm.BackendOpenAI:
		if v, ok := get("OPENAI_API_KEY"); ok {
			c.LLM.APIKey = v
		}
	case llm.BackendAnthropic:
		if v, ok := get("ANTHROPIC_API_KEY"); ok {
			c.LLM.APIKey = v
		}
	case llm.BackendOllama:
		if v, ok := get("OLLAMA_BASE_URL"); ok {
			c.LLM.BaseURL = v
		}
	}
	if v, ok := get("OLLAMA_BASE_URL"); ok {
		c.Embedding.BaseURL = v
	}
	if v, ok := get("WEAVIATE_SERVICE_URL"); ok {
		c.Weaviate.URL = v
	}
	if v, ok := get("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		c.Telemetry.OTelEndpoint = v
		c.Telemetry.EnableTracing = true
	}
	return nil
}

var configValidate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Namespaces))
	for _, ns := range c.Namespaces {
		if seen[ns.Name] {
			return fmt.Errorf("invalid configuration: duplicate namespace %q", ns.Name)
		}
		seen[ns.Name] = true
		if ns.Backend == NamespaceBackendWeaviate && c.Weaviate.URL == "" {
			return fmt.Errorf("invalid configuration: namespace %q uses weaviate but weaviate.url is empty", ns.Name)
		}
	}
	return nil
}

// NeedsWeaviate reports whether any component uses the Weaviate client.
func (c Config) NeedsWeaviate() bool {
	if c.sessionsInWeaviate() && c.Weaviate.URL != "" {
		return true
	}
	for _, ns := range c.Namespaces {
		if ns.Backend == NamespaceBackendWeaviate {
			return true
		}
	}
	return false
}

func (c Config) sessionsInWeaviate() bool {
	return c.Sessions.Enabled && c.Sessions.Backend != SessionBackendBadger
}

// NamespaceNames returns the configured namespaces in order.
func (c Config) NamespaceNames() []retrieval.Namespace {
	out := make([]retrieval.Namespace, 0, len(c.Namespaces))
	for _, ns := range c.Namespaces {
		out = append(out, retrieval.Namespace(ns.Name))
	}
	return out
}

// generationParams converts the tuning fields to llm.GenerationParams.
func (c LLMConfig) generationParams() llm.GenerationParams {
	return llm.GenerationParams{
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
}

// weaviateClassName is the class searched for a weaviate namespace.
func (n NamespaceConfig) weaviateClassName() string {
	if n.ClassName != "" {
		return n.ClassName
	}
	return "Companion_" + strings.ReplaceAll(n.Name, "-", "_")
}

// collectionName is the chromem collection for a chromem namespace.
func (n NamespaceConfig) collectionName() string {
	if n.Collection != "" {
		return n.Collection
	}
	return n.Name
}
