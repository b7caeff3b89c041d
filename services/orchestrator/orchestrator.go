// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the companion orchestrator service.
//
// This package wires every component of the pipeline from a Config: LLM
// client, template store, risk detector, retrieval aggregator, session
// store, the core services.Orchestrator, HTTP routing and observability.
// Nothing is held in package globals; each Service owns its registry,
// clients and tracer.
//
// # Extension Points
//
// extensions.ServiceOptions injects an AuditLogger that receives one event
// per crisis routing.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("companion.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCompanion/pkg/extensions"
	"github.com/AleutianAI/AleutianCompanion/services/llm"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/services"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianCompanion/services/prompts"
	"github.com/AleutianAI/AleutianCompanion/services/retrieval"
	"github.com/AleutianAI/AleutianCompanion/services/safety"
	"github.com/gin-gonic/gin"
	"github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Run blocks and should be called once per instance. Router and Components
// are safe to call at any time.
type Service interface {
	// Run serves HTTP until ctx is canceled or the listener fails, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Components exposes the wired pipeline.
	Components() *Components
}

// =============================================================================
// Components
// =============================================================================

// Components is the wired pipeline without an HTTP listener. The CLI uses
// it directly for one-shot commands.
//
// # Fields
//
//   - Pipeline: The core orchestrator (Answer, SummarizeSession).
//   - Templates: Template store, for diagnostics.
//   - Sessions: Weaviate or Badger session store. Nil when sessions are
//     disabled.
//   - Retention: Expired-session scheduler. Nil without a session store or
//     a retention period. Only Service.Run starts it.
//   - Metrics, Registry: Prometheus instruments and their registry.
type Components struct {
	Config    Config
	Pipeline  *services.Orchestrator
	Templates *prompts.Store
	Detector  *safety.RiskDetector
	Sessions  services.SessionStore
	Retention *ttl.Scheduler
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry

	closers []func(context.Context)
}

// Close releases clients and flushes the tracer. Safe to call more than
// once.
func (c *Components) Close(ctx context.Context) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i](ctx)
	}
	c.closers = nil
}

// BuildComponents wires the pipeline from cfg.
//
// # Description
//
// Order:
//  1. Tracer (when enabled)
//  2. Metrics registry
//  3. LLM client and reply generator
//  4. Weaviate client and schema (when any component needs it)
//  5. Namespace retrievers and the aggregator
//  6. Template store and risk detector
//  7. Session store and retention scheduler
//  8. The core services.Orchestrator, which validates the result
//
// Every failure is a configuration error and is returned; nothing degrades
// silently. On failure, anything already opened is closed.
//
// # Inputs
//
//   - ctx: Bounds startup calls (schema creation, GCS client, model warm-up).
//   - cfg: Validated with cfg.Validate first.
//   - opts: Extension options. Nil uses extensions.DefaultOptions.
func BuildComponents(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (_ *Components, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := extensions.DefaultOptions()
	if opts != nil {
		options = *opts
	}

	c := &Components{Config: cfg}
	defer func() {
		if err != nil {
			c.Close(context.Background())
		}
	}()

	if cfg.Telemetry.EnableTracing {
		cleanup, err := initTracer(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		c.closers = append(c.closers, cleanup)
	}

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Telemetry.EnableMetrics {
		c.Metrics = observability.NewMetrics(c.Registry)
	}

	client, err := initLLMClient(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	generator, err := services.NewReplyGenerator(client, services.ReplyGeneratorConfig{
		Timeout: cfg.LLM.Timeout,
		Params:  cfg.LLM.generationParams(),
		Metrics: c.Metrics,
	})
	if err != nil {
		return nil, err
	}

	var weaviateClient *weaviate.Client
	if cfg.NeedsWeaviate() {
		weaviateClient, err = initWeaviate(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Weaviate: %w", err)
		}
	}

	aggregator, err := buildAggregator(cfg, weaviateClient, c.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build retrieval: %w", err)
	}

	c.Templates, err = buildTemplateStore(ctx, cfg.Templates, c.Metrics, &c.closers)
	if err != nil {
		return nil, fmt.Errorf("failed to build template store: %w", err)
	}

	c.Detector, err = buildDetector(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk keywords: %w", err)
	}
	c.Detector = c.Detector.WithObserver(c.Metrics)

	var sessions services.SessionSource
	c.Sessions, err = buildSessionStore(cfg, weaviateClient, &c.closers)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if c.Sessions != nil {
		sessions = c.Sessions

		if cfg.Sessions.Retention > 0 {
			schedCfg := ttl.DefaultSchedulerConfig(cfg.Sessions.Retention)
			schedCfg.Interval = cfg.Sessions.CleanupInterval
			c.Retention, err = ttl.NewScheduler(c.Sessions, c.Metrics, schedCfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create session retention scheduler: %w", err)
			}
		}
	} else {
		slog.Info("Session recording disabled; summaries will report no documents")
	}

	c.Pipeline, err = services.NewOrchestrator(services.OrchestratorDeps{
		Generator:       generator,
		Detector:        c.Detector,
		Templates:       c.Templates,
		Retriever:       aggregator,
		Namespaces:      cfg.NamespaceNames(),
		TopK:            cfg.Retrieval.TopK,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		MaxHistoryChars: cfg.Retrieval.MaxHistoryChars,
		DefaultLanguage: cfg.Templates.DefaultLanguage,
		Sessions:        sessions,
		Audit:           options.Audit(),
		Metrics:         c.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func(ctx context.Context) {
		if err := options.Audit().Flush(ctx); err != nil {
			slog.Warn("Audit flush failed", "error", err)
		}
	})

	slog.Info("Companion pipeline ready",
		"llmBackend", cfg.LLM.Backend,
		"namespaces", len(cfg.Namespaces),
		"sessions", c.Sessions != nil,
		"tracing", cfg.Telemetry.EnableTracing)
	return c, nil
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	components *Components
	router     *gin.Engine
}

// New creates a Service from cfg.
//
// # Description
//
// Builds the pipeline with BuildComponents and registers the HTTP routes
// behind otelgin, request-id and access-log middleware.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Any configuration or startup failure.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	components, err := BuildComponents(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	s := &service{components: components}
	s.initRouter()
	return s, nil
}

// Run serves until ctx is done, then shuts down within
// Server.ShutdownTimeout.
func (s *service) Run(ctx context.Context) error {
	defer s.components.Close(context.Background())

	cfg := s.components.Config.Server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if sched := s.components.Retention; sched != nil {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down orchestrator server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Components() *Components {
	return s.components
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	c := s.components
	gin.SetMode(c.Config.Server.GinMode)

	s.router = gin.New()
	s.router.Use(gin.Recovery(), middleware.RequestID())
	if c.Config.Telemetry.EnableTracing {
		s.router.Use(otelgin.Middleware(c.Config.Telemetry.ServiceName))
	}
	s.router.Use(middleware.AccessLog(slog.Default()))

	deps := routes.Dependencies{
		Answerer:       c.Pipeline,
		Summarizer:     c.Pipeline,
		Metrics:        c.Metrics,
		RequestTimeout: c.Config.Server.RequestTimeout,
	}
	if c.Sessions != nil {
		deps.Recorder = c.Sessions
		deps.Admin = c.Sessions
	}
	if c.Config.Telemetry.EnableMetrics {
		deps.Gatherer = c.Registry
	}
	routes.SetupRoutes(s.router, deps)
}

// =============================================================================
// Private Initialization Functions
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func initTracer(ctx context.Context, cfg TelemetryConfig) (func(context.Context), error) {
	conn, err := grpc.NewClient(cfg.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}
	return cleanup, nil
}

// warmer is implemented by backends that can preload their model.
type warmer interface {
	Warm(ctx context.Context) error
}

// initLLMClient builds the configured backend and optionally warms it.
func initLLMClient(ctx context.Context, cfg LLMConfig) (llm.LLMClient, error) {
	client, err := llm.NewClient(llm.ClientConfig{
		Backend:           cfg.Backend,
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		SystemPrompt:      cfg.SystemPrompt,
		Timeout:           cfg.Timeout,
		KeepAlive:         cfg.KeepAlive,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("LLM backend selected", "backend", cfg.Backend, "model", cfg.Model)

	if w, ok := client.(warmer); ok && cfg.Warm {
		if err := w.Warm(ctx); err != nil {
			slog.Warn("Model warm-up failed; the first request will load it", "error", err)
		}
	}
	return client, nil
}

// initWeaviate creates the client and ensures the classes this
// configuration reads or writes.
func initWeaviate(ctx context.Context, cfg Config) (*weaviate.Client, error) {
	weaviateURL := strings.Trim(cfg.Weaviate.URL, "\"' ")
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %q", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	var classes []*models.Class
	for _, ns := range cfg.Namespaces {
		if ns.Backend == NamespaceBackendWeaviate {
			classes = append(classes, datatypes.KnowledgeClass(ns.weaviateClassName(), ns.Name))
		}
	}
	if cfg.sessionsInWeaviate() {
		classes = append(classes, datatypes.SessionClasses()...)
	}
	if err := datatypes.EnsureClasses(ctx, client, classes...); err != nil {
		return nil, err
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL, "classes", len(classes))
	return client, nil
}

// buildSessionStore opens the configured session backend. It returns nil
// when sessions are disabled or the weaviate backend has no client.
func buildSessionStore(cfg Config, client *weaviate.Client, closers *[]func(context.Context)) (services.SessionStore, error) {
	if !cfg.Sessions.Enabled {
		return nil, nil
	}
	if cfg.Sessions.Backend == SessionBackendBadger {
		store, err := services.OpenBadgerSessionStore(services.BadgerSessionConfig{
			Path:       cfg.Sessions.Path,
			MaxTurns:   cfg.Sessions.MaxTurns,
			SyncWrites: true,
			Logger:     slog.Default().With("component", "badger"),
		})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) {
			if err := store.Close(); err != nil {
				slog.Warn("Failed to close session database", "error", err)
			}
		})
		return store, nil
	}
	if client == nil {
		return nil, nil
	}
	store, err := services.NewWeaviateSessionStore(client, cfg.Sessions.MaxTurns)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildAggregator creates one retriever per configured namespace.
func buildAggregator(cfg Config, client *weaviate.Client, metrics *observability.Metrics) (*retrieval.Aggregator, error) {
	retrievers := make([]retrieval.NamespaceRetriever, 0, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		var (
			r   retrieval.Retriever
			err error
		)
		switch ns.Backend {
		case NamespaceBackendWeaviate:
			r, err = retrieval.NewWeaviateRetriever(client, retrieval.WeaviateRetrieverConfig{
				ClassName:          ns.weaviateClassName(),
				MetadataProperties: []string{"title", "source"},
			})
		case NamespaceBackendChromem:
			var collection *chromem.Collection
			collection, err = retrieval.OpenChromemCollection(retrieval.ChromemConfig{
				PersistPath: ns.PersistPath,
				Collection:  ns.collectionName(),
				Embed:       retrieval.OllamaEmbedding(cfg.Embedding.Model, ollamaAPIBase(cfg.Embedding.BaseURL)),
			})
			if err == nil {
				r, err = retrieval.NewChromemRetriever(collection)
			}
		default:
			err = fmt.Errorf("unknown namespace backend %q", ns.Backend)
		}
		if err != nil {
			return nil, fmt.Errorf("namespace %s: %w", ns.Name, err)
		}
		retrievers = append(retrievers, retrieval.NamespaceRetriever{
			Namespace: retrieval.Namespace(ns.Name),
			Retriever: r,
		})
	}

	return retrieval.NewAggregator(retrievers, retrieval.AggregatorConfig{
		MaxContextChars:  cfg.Retrieval.MaxContextChars,
		NamespaceTimeout: cfg.Retrieval.NamespaceTimeout,
		Observer:         metrics,
	})
}

// ollamaAPIBase turns an Ollama server URL into the /api base chromem
// expects. Empty stays empty so chromem uses its default.
func ollamaAPIBase(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.HasSuffix(baseURL, "/api") {
		return baseURL
	}
	return baseURL + "/api"
}

// buildTemplateStore picks the template source. A GCS client is closed
// through closers.
func buildTemplateStore(ctx context.Context, cfg TemplatesConfig, metrics *observability.Metrics, closers *[]func(context.Context)) (*prompts.Store, error) {
	var source prompts.Source
	switch {
	case cfg.Dir != "":
		source = prompts.NewFileSource(afero.NewOsFs(), cfg.Dir)
		slog.Info("Prompt templates from directory", "dir", cfg.Dir)
	case cfg.GCSBucket != "":
		gcs, err := prompts.NewGCSSource(ctx, cfg.GCSBucket, cfg.GCSPrefix, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) {
			if err := gcs.Close(); err != nil {
				slog.Warn("GCS template client close failed", "error", err)
			}
		})
		source = gcs
		slog.Info("Prompt templates from GCS", "bucket", cfg.GCSBucket, "prefix", cfg.GCSPrefix)
	default:
		slog.Info("No template source configured; using built-in templates")
	}

	opts := []prompts.StoreOption{
		prompts.WithObserver(metrics),
		prompts.WithDefaultLanguage(cfg.DefaultLanguage),
	}
	if len(cfg.Languages) > 0 {
		opts = append(opts, prompts.WithSupportedLanguages(cfg.Languages...))
	}
	store := prompts.NewStore(source, opts...)
	if err := store.Validate(); err != nil {
		return nil, err
	}
	if err := store.DiscoverLanguages(ctx); err != nil {
		slog.Warn("Template language discovery failed; admitting a bounded set of request tags", "error", err)
	}
	return store, nil
}

// buildDetector loads the configured keyword file or the embedded sets.
func buildDetector(cfg RiskConfig) (*safety.RiskDetector, error) {
	if cfg.KeywordFile != "" {
		return safety.NewRiskDetectorFromFile(cfg.KeywordFile)
	}
	return safety.NewRiskDetector()
}
