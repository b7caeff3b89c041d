// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCompanion/pkg/extensions"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCompanion/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCompanion/services/prompts"
	"github.com/AleutianAI/AleutianCompanion/services/retrieval"
	"github.com/AleutianAI/AleutianCompanion/services/safety"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

// Compact templates make rendered prompts easy to assert on. The echo model
// returns the prompt, so a successful reply equals the rendered template.
var testTemplates = map[string]string{
	"system":    "SYSTEM context=[{context}] input=[{input}] history=[{history}]",
	"crisis":    "CRISIS context=[{context}] query=[{query}]",
	"summarize": "SUMMARIZE [{input}]",
	"es/crisis": "CRISIS-ES [{query}]",
}

// countingRetriever serves fixed documents and counts searches.
type countingRetriever struct {
	docs  []retrieval.Document
	err   error
	calls atomic.Int32
}

func (r *countingRetriever) Search(_ context.Context, _ string, k int) ([]retrieval.Document, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	if k < len(r.docs) {
		return r.docs[:k], nil
	}
	return r.docs, nil
}

// recordingAudit captures audit events.
type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
	err    error
}

func (a *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return a.err
}

func (a *recordingAudit) Flush(context.Context) error { return nil }

// summarySink is a StaticSessionSource that also records saved summaries.
type summarySink struct {
	StaticSessionSource
	saved map[string]string
}

func (s *summarySink) SaveSummary(_ context.Context, id, summary string) error {
	s.saved[id] = summary
	return nil
}

type failingSessions struct{}

func (failingSessions) SessionContent(context.Context, string) ([]string, error) {
	return nil, errors.New("weaviate unreachable")
}

type harness struct {
	orch    *Orchestrator
	llm     *scriptedLLM
	theory  *countingRetriever
	plan    *countingRetriever
	audit   *recordingAudit
	metrics *observability.Metrics
}

type harnessOption func(*OrchestratorDeps, *harness)

func withSessions(s SessionSource) harnessOption {
	return func(d *OrchestratorDeps, _ *harness) { d.Sessions = s }
}

func withMaxContextChars(n int) harnessOption {
	return func(d *OrchestratorDeps, _ *harness) { d.MaxContextChars = n }
}

func withMaxHistoryChars(n int) harnessOption {
	return func(d *OrchestratorDeps, _ *harness) { d.MaxHistoryChars = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		llm: &scriptedLLM{},
		theory: &countingRetriever{docs: []retrieval.Document{
			{DocumentID: "defusion-1", Content: "Cognitive defusion means noticing thoughts as thoughts.", Score: 0.92},
			{DocumentID: "values-2", Content: "Values are chosen life directions.", Score: 0.41},
		}},
		plan: &countingRetriever{docs: []retrieval.Document{
			{DocumentID: "plan-1", Content: "Call Sam when overwhelmed.", Score: 0.55},
		}},
		audit:   &recordingAudit{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}

	aggregator, err := retrieval.NewAggregator([]retrieval.NamespaceRetriever{
		{Namespace: retrieval.NamespaceTheory, Retriever: h.theory},
		{Namespace: retrieval.NamespacePlan, Retriever: h.plan},
	}, retrieval.AggregatorConfig{MaxContextChars: 2000})
	require.NoError(t, err)

	detector, err := safety.NewRiskDetector()
	require.NoError(t, err)

	generator := newTestGenerator(t, h.llm, ReplyGeneratorConfig{
		Timeout: 200 * time.Millisecond,
		Metrics: h.metrics,
	})

	deps := OrchestratorDeps{
		Generator:  generator,
		Detector:   detector,
		Templates:  prompts.NewStore(prompts.NewMapSource(testTemplates)),
		Retriever:  aggregator,
		Namespaces: aggregator.Namespaces(),
		TopK:       3,
		Audit:      h.audit,
		Metrics:    h.metrics,
	}
	for _, opt := range opts {
		opt(&deps, h)
	}

	h.orch, err = NewOrchestrator(deps)
	require.NoError(t, err)
	return h
}

func (h *harness) retrievals() int32 {
	return h.theory.calls.Load() + h.plan.calls.Load()
}

// =============================================================================
// Construction
// =============================================================================

func TestNewOrchestrator_Validation(t *testing.T) {
	generator, err := NewReplyGenerator(&scriptedLLM{}, ReplyGeneratorConfig{})
	require.NoError(t, err)
	detector, err := safety.NewRiskDetector()
	require.NoError(t, err)
	store := prompts.NewStore(nil)
	aggregator, err := retrieval.NewAggregator(nil, retrieval.AggregatorConfig{})
	require.NoError(t, err)

	valid := func() OrchestratorDeps {
		return OrchestratorDeps{
			Generator:  generator,
			Detector:   detector,
			Templates:  store,
			Retriever:  aggregator,
			Namespaces: []retrieval.Namespace{retrieval.NamespaceTheory},
			TopK:       4,
		}
	}

	tests := []struct {
		name   string
		mutate func(*OrchestratorDeps)
	}{
		{"nil generator", func(d *OrchestratorDeps) { d.Generator = nil }},
		{"nil detector", func(d *OrchestratorDeps) { d.Detector = nil }},
		{"nil templates", func(d *OrchestratorDeps) { d.Templates = nil }},
		{"nil retriever", func(d *OrchestratorDeps) { d.Retriever = nil }},
		{"no namespaces", func(d *OrchestratorDeps) { d.Namespaces = nil }},
		{"zero top-k", func(d *OrchestratorDeps) { d.TopK = 0 }},
		{"negative top-k", func(d *OrchestratorDeps) { d.TopK = -1 }},
		{"negative cap", func(d *OrchestratorDeps) { d.MaxContextChars = -5 }},
		{"negative history cap", func(d *OrchestratorDeps) { d.MaxHistoryChars = -1 }},
		{"empty namespace", func(d *OrchestratorDeps) { d.Namespaces = []retrieval.Namespace{""} }},
		{"duplicate namespace", func(d *OrchestratorDeps) {
			d.Namespaces = []retrieval.Namespace{retrieval.NamespacePlan, retrieval.NamespacePlan}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := valid()
			tt.mutate(&deps)
			_, err := NewOrchestrator(deps)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}

	t.Run("valid", func(t *testing.T) {
		o, err := NewOrchestrator(valid())
		require.NoError(t, err)
		assert.Equal(t, []retrieval.Namespace{retrieval.NamespaceTheory}, o.Namespaces())
	})
}

// =============================================================================
// Answer: crisis path
// =============================================================================

func TestAnswer_CrisisMessage(t *testing.T) {
	h := newHarness(t)

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "I want to kill myself"})

	assert.True(t, reply.RiskDetected)
	assert.Equal(t, datatypes.PathCrisis, reply.Path)
	assert.Equal(t, "CRISIS context=[] query=[I want to kill myself]", reply.Text)
	assert.Empty(t, reply.Sources)
	assert.NotNil(t, reply.Sources)
	assert.NotEmpty(t, reply.ID)
	assert.Zero(t, h.retrievals(), "retrieval must not run on the crisis path")
	assert.Equal(t, 1, h.llm.calls())

	require.Len(t, h.audit.events, 1)
	event := h.audit.events[0]
	assert.Equal(t, extensions.EventCrisisRouted, event.EventType)
	assert.Equal(t, reply.ID, event.ResourceID)
	assert.Equal(t, "kill myself", event.Metadata["matched_keyword"])
}

func TestAnswer_CrisisKeywordAnyCaseAnyPosition(t *testing.T) {
	messages := []string{
		"KILL MYSELF",
		"sometimes i think about Suicide late at night",
		"i just want to die.",
		"thinking of ending it, i'm better off   dead",
	}

	for _, m := range messages {
		t.Run(m, func(t *testing.T) {
			h := newHarness(t)
			reply := h.orch.Answer(context.Background(), datatypes.Message{Text: m})

			assert.Equal(t, datatypes.PathCrisis, reply.Path)
			assert.Zero(t, h.retrievals())
		})
	}
}

func TestAnswer_CrisisUsesLanguageTemplate(t *testing.T) {
	h := newHarness(t)

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "quiero morir", Language: "es"})

	assert.Equal(t, datatypes.PathCrisis, reply.Path)
	assert.Equal(t, "CRISIS-ES [quiero morir]", reply.Text)
}

func TestAnswer_CrisisDoesNotDependOnRetrieval(t *testing.T) {
	h := newHarness(t)
	h.theory.err = errors.New("down")
	h.plan.err = errors.New("down")

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "I might hurt myself"})

	assert.Equal(t, datatypes.PathCrisis, reply.Path)
	assert.True(t, strings.HasPrefix(reply.Text, "CRISIS"))
}

func TestAnswer_AuditFailureDoesNotAffectReply(t *testing.T) {
	h := newHarness(t)
	h.audit.err = errors.New("audit sink down")

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "kill myself"})

	assert.Equal(t, "CRISIS context=[] query=[kill myself]", reply.Text)
}

// =============================================================================
// Answer: RAG path
// =============================================================================

func TestAnswer_RAGMessageUsesRetrievedContext(t *testing.T) {
	h := newHarness(t)

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "What is cognitive defusion?"})

	assert.False(t, reply.RiskDetected)
	assert.Equal(t, datatypes.PathRAG, reply.Path)
	assert.Contains(t, reply.Text, "Cognitive defusion means noticing thoughts as thoughts.")
	assert.Contains(t, reply.Text, "input=[What is cognitive defusion?]")
	assert.Contains(t, reply.Sources, "theory/defusion-1")
	assert.Equal(t, []string{"theory/defusion-1", "plan/plan-1", "theory/values-2"}, reply.Sources)
	assert.Equal(t, int32(1), h.theory.calls.Load())
	assert.Equal(t, int32(1), h.plan.calls.Load())

	// Highest score first in the rendered context.
	prompt := h.llm.lastPrompt()
	assert.Less(t, strings.Index(prompt, "Cognitive defusion"), strings.Index(prompt, "Call Sam"))
	assert.Less(t, strings.Index(prompt, "Call Sam"), strings.Index(prompt, "Values are"))
}

func TestAnswer_EmptyMessage(t *testing.T) {
	h := newHarness(t)

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: ""})

	assert.False(t, reply.RiskDetected)
	assert.Equal(t, datatypes.PathRAG, reply.Path)
	assert.NotEmpty(t, reply.Text)
	assert.Empty(t, reply.Sources)
	assert.Zero(t, h.retrievals(), "a blank query yields zero results without searching")
	assert.Equal(t, 1, h.llm.calls())
}

func TestAnswer_AllNamespacesFail(t *testing.T) {
	h := newHarness(t)
	h.theory.err = errors.New("timeout")
	h.plan.err = errors.New("connection refused")

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "How do I notice my values?"})

	assert.Equal(t, datatypes.PathRAG, reply.Path)
	assert.Equal(t, "SYSTEM context=[] input=[How do I notice my values?] history=[]", reply.Text)
	assert.Empty(t, reply.Sources)
	assert.Equal(t, 1, h.llm.calls(), "the model is still invoked")
}

func TestAnswer_OneNamespaceFails(t *testing.T) {
	h := newHarness(t)
	h.plan.err = errors.New("connection refused")

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "defusion"})

	assert.Equal(t, []string{"theory/defusion-1", "theory/values-2"}, reply.Sources)
	assert.NotContains(t, reply.Text, "Call Sam")
}

func TestAnswer_ModelTimeoutOnRAGPath(t *testing.T) {
	h := newHarness(t)
	h.llm.respond = blockUntilDone

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "What is acceptance?"})

	assert.Equal(t, RecoverableFallbackReply, reply.Text)
	assert.Equal(t, datatypes.PathRAG, reply.Path)
}

func TestAnswer_ModelErrorOnCrisisPath(t *testing.T) {
	h := newHarness(t)
	h.llm.respond = func(context.Context, string) (string, error) {
		return "", errors.New("unexpected EOF")
	}

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "suicidal"})

	assert.Equal(t, UnexpectedFallbackReply, reply.Text)
	assert.Equal(t, datatypes.PathCrisis, reply.Path)
}

func TestAnswer_CallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.llm.respond = blockUntilDone
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	reply := h.orch.Answer(ctx, datatypes.Message{Text: "hello"})

	assert.Equal(t, RecoverableFallbackReply, reply.Text)
}

func TestAnswer_HistoryRendered(t *testing.T) {
	h := newHarness(t)

	reply := h.orch.Answer(context.Background(), datatypes.Message{
		Text: "and then?",
		History: []datatypes.Turn{
			{Role: "user", Content: "I feel stuck"},
			{Role: "assistant", Content: "What matters to you?"},
		},
	})

	assert.Contains(t, reply.Text, "history=[User: I feel stuck\nCompanion: What matters to you?]")
}

func TestAnswer_HistoryCappedKeepingNewestTurns(t *testing.T) {
	h := newHarness(t, withMaxHistoryChars(500))

	history := make([]datatypes.Turn, 0, 51)
	for i := 0; i < 50; i++ {
		history = append(history, datatypes.Turn{Role: "user", Content: strings.Repeat("x", datatypes.MaxMessageContentBytes)})
	}
	history = append(history, datatypes.Turn{Role: "assistant", Content: "newest"})

	reply := h.orch.Answer(context.Background(), datatypes.Message{Text: "and then?", History: history})

	assert.Contains(t, reply.Text, "history=[Companion: newest]")
	skeleton := len("SYSTEM context=[] input=[and then?] history=[]")
	assert.LessOrEqual(t, len([]rune(reply.Text)), skeleton+2000+500)
}

func TestAnswer_HistoryCapDefaultsToContextCap(t *testing.T) {
	h := newHarness(t, withMaxContextChars(100))

	reply := h.orch.Answer(context.Background(), datatypes.Message{
		Text:    "and then?",
		History: []datatypes.Turn{{Role: "user", Content: strings.Repeat("y", 1000)}},
	})

	assert.Contains(t, reply.Text, "history=["+strings.Repeat("y", 100)+"]")
}

func TestAnswer_RecordsMetrics(t *testing.T) {
	h := newHarness(t)

	h.orch.Answer(context.Background(), datatypes.Message{Text: "kill myself"})
	h.orch.Answer(context.Background(), datatypes.Message{Text: "hello"})
	h.orch.Answer(context.Background(), datatypes.Message{Text: "hi again"})

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AnswersTotal.WithLabelValues("crisis")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.AnswersTotal.WithLabelValues("rag")))
}

func TestAnswer_Concurrent(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	replies := make([]datatypes.ChatReply, 40)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := "tell me about defusion"
			if i%2 == 0 {
				text = "I want to end my life"
			}
			replies[i] = h.orch.Answer(context.Background(), datatypes.Message{Text: text})
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, r := range replies {
		assert.NotEmpty(t, r.Text)
		ids[r.ID] = true
		if i%2 == 0 {
			assert.Equal(t, datatypes.PathCrisis, r.Path)
		} else {
			assert.Equal(t, datatypes.PathRAG, r.Path)
		}
	}
	assert.Len(t, ids, len(replies), "reply ids are unique")
	assert.Equal(t, int32(20), h.theory.calls.Load())
}

// =============================================================================
// SummarizeSession
// =============================================================================

func TestSummarizeSession_NoContent(t *testing.T) {
	h := newHarness(t, withSessions(StaticSessionSource{"empty": {"", "   "}}))

	for _, id := range []string{"missing", "empty", ""} {
		assert.Equal(t, NoDocumentsMessage, h.orch.SummarizeSession(context.Background(), id))
	}
	assert.Zero(t, h.llm.calls())
}

func TestSummarizeSession_NoSource(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, NoDocumentsMessage, h.orch.SummarizeSession(context.Background(), "s1"))
	assert.Zero(t, h.llm.calls())
}

func TestSummarizeSession_Success(t *testing.T) {
	sink := &summarySink{
		StaticSessionSource: StaticSessionSource{"s1": {"User: I value kindness", "Companion: Noted."}},
		saved:               map[string]string{},
	}
	h := newHarness(t, withSessions(sink))

	summary := h.orch.SummarizeSession(context.Background(), "s1")

	assert.Equal(t, "SUMMARIZE [User: I value kindness\n\nCompanion: Noted.]", summary)
	assert.Equal(t, summary, sink.saved["s1"])
	assert.Equal(t, 1, h.llm.calls())
}

func TestSummarizeSession_FetchError(t *testing.T) {
	h := newHarness(t, withSessions(failingSessions{}))

	assert.Equal(t, RecoverableFallbackReply, h.orch.SummarizeSession(context.Background(), "s1"))
	assert.Zero(t, h.llm.calls())
}

func TestSummarizeSession_ModelFailureNotSaved(t *testing.T) {
	sink := &summarySink{
		StaticSessionSource: StaticSessionSource{"s1": {"note"}},
		saved:               map[string]string{},
	}
	h := newHarness(t, withSessions(sink))
	h.llm.respond = blockUntilDone

	assert.Equal(t, RecoverableFallbackReply, h.orch.SummarizeSession(context.Background(), "s1"))
	assert.Empty(t, sink.saved)
}

func TestSummarizeSession_CapsKeepingMostRecent(t *testing.T) {
	h := newHarness(t,
		withSessions(StaticSessionSource{"s1": {strings.Repeat("old ", 50), "newest line"}}),
		withMaxContextChars(20),
	)

	summary := h.orch.SummarizeSession(context.Background(), "s1")

	assert.True(t, strings.HasSuffix(summary, "newest line]"))
	assert.Equal(t, len("SUMMARIZE []")+20, len([]rune(summary)))
}

// =============================================================================
// Helpers
// =============================================================================

func TestKeepTail(t *testing.T) {
	assert.Equal(t, "abc", keepTail("abc", 5))
	assert.Equal(t, "bc", keepTail("abc", 2))
	assert.Equal(t, "心心", keepTail("心心心", 2))
	assert.Equal(t, "abc", keepTail("abc", 0))
}

func TestSelectPath(t *testing.T) {
	assert.Equal(t, datatypes.PathCrisis, selectPath(safety.RiskAssessment{IsRisk: true}).name())
	assert.Equal(t, datatypes.PathRAG, selectPath(safety.RiskAssessment{}).name())
}
