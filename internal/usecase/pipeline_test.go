package usecase

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// stubModel returns canned completions, optionally keyed on the system
// prompt, and records requests.
type stubModel struct {
	text     string
	fallback bool
	err      error
	requests []domain.GenerateRequest
	// classifyText overrides for requests using the classifier prompt.
	classifyText string
}

func (s *stubModel) Generate(_ domain.Context, req domain.GenerateRequest) (domain.Completion, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return domain.Completion{}, s.err
	}
	if s.classifyText != "" && req.System == classifyPrompt {
		return domain.Completion{Text: s.classifyText}, nil
	}
	return domain.Completion{Text: s.text, IsFallback: s.fallback}, nil
}

type stubRetriever struct {
	chunks []domain.Chunk
	err    error
}

func (s *stubRetriever) Search(_ domain.Context, _ string, _ int, _ float64) ([]domain.Chunk, error) {
	return s.chunks, s.err
}

type stubTools struct {
	names   []string
	idErr   error
	results map[string]map[string]any
	invErr  map[string]error
	invoked []string
}

func (s *stubTools) Identify(_ domain.Context, _ string) ([]string, error) { return s.names, s.idErr }
func (s *stubTools) Names() []string                                       { return s.names }
func (s *stubTools) Invoke(_ domain.Context, name string, _ map[string]any) (map[string]any, error) {
	s.invoked = append(s.invoked, name)
	if err := s.invErr[name]; err != nil {
		return nil, err
	}
	return s.results[name], nil
}

func jsonEnvelope(text string) string {
	return fmt.Sprintf(`{"response":%q,"detected_language":"en","detected_sentiment":"NEUTRAL","sentiment_confidence":0.6,"requires_attention":false,"response_tone":"professional"}`, text)
}

func TestGeneralPipeline_BoundsHistory(t *testing.T) {
	model := &stubModel{text: jsonEnvelope("hi there")}
	p := NewGeneralPipeline(model, 10, 1024)

	history := make([]domain.Message, 0, 24)
	for i := 0; i < 24; i++ {
		history = append(history, domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	env, err := p.Run(context.Background(), "hello", history)
	require.NoError(t, err)
	assert.Equal(t, "hi there", env.Text)
	assert.Equal(t, domain.IntentGeneral, env.Classification)

	req := model.requests[0]
	require.Len(t, req.Messages, 11, "10 history entries plus the user message")
	assert.Equal(t, "m14", req.Messages[0].Content)
	assert.Equal(t, "hello", req.Messages[10].Content)
}

func TestRAGPipeline_ContextAndSources(t *testing.T) {
	model := &stubModel{text: jsonEnvelope("refunds take 14 days")}
	retriever := &stubRetriever{chunks: []domain.Chunk{
		{ID: "1", Content: "Refunds are processed within 14 days.", Source: "policy_v3.pdf", Score: 0.91},
		{ID: "2", Content: "Refund requests require a receipt.", Source: "policy_v2.pdf", Score: 0.78},
	}}
	general := NewGeneralPipeline(model, 10, 1024)
	p := NewRAGPipeline(model, retriever, general, 5, 0.7, 8000, 1024)

	env, err := p.Run(context.Background(), "What does the policy document say about refunds?", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRAG, env.Classification)
	assert.Equal(t, []string{"policy_v3.pdf", "policy_v2.pdf"}, env.Sources)
	assert.NotEmpty(t, env.Text)

	req := model.requests[0]
	assert.Contains(t, req.System, "[Document 1 — policy_v3.pdf]")
	assert.Contains(t, req.System, "[Document 2 — policy_v2.pdf]")
}

func TestRAGPipeline_EmptyResultDelegatesToGeneral(t *testing.T) {
	model := &stubModel{text: jsonEnvelope("no coverage found")}
	general := NewGeneralPipeline(model, 10, 1024)
	p := NewRAGPipeline(model, &stubRetriever{}, general, 5, 0.7, 8000, 1024)

	env, err := p.Run(context.Background(), "what about unicorn permits?", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRAG, env.Classification, "delegated reply still reports rag")
	assert.Contains(t, model.requests[0].System, "No relevant documents were found")
}

func TestRAGPipeline_ContextCapPreservesRankOrder(t *testing.T) {
	long := strings.Repeat("x", 6000)
	model := &stubModel{text: jsonEnvelope("ok")}
	retriever := &stubRetriever{chunks: []domain.Chunk{
		{ID: "1", Content: long, Source: "a.pdf", Score: 0.95},
		{ID: "2", Content: long, Source: "b.pdf", Score: 0.90},
	}}
	general := NewGeneralPipeline(model, 10, 1024)
	p := NewRAGPipeline(model, retriever, general, 5, 0.7, 8000, 1024)

	_, err := p.Run(context.Background(), "q", nil)
	require.NoError(t, err)
	sys := model.requests[0].System
	assert.Contains(t, sys, "[Document 1 — a.pdf]")
	assert.NotContains(t, sys, "[Document 2 — b.pdf]", "second block would exceed the cap")
}

func TestToolPipeline_SequentialInvokeAndSummary(t *testing.T) {
	model := &stubModel{text: jsonEnvelope("There is one event: Expo 2025 on 2025-06-01.")}
	tools := &stubTools{
		names:   []string{"list_events"},
		results: map[string]map[string]any{"list_events": {"events": []any{map[string]any{"name": "Expo 2025"}}}},
	}
	general := NewGeneralPipeline(model, 10, 1024)
	p := NewToolPipeline(model, tools, general, nil, 1024)

	env, err := p.Run(context.Background(), "show me all events", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentTool, env.Classification)
	assert.Equal(t, []string{"list_events"}, env.ToolsUsed)
	assert.Contains(t, env.Text, "Expo 2025")
	assert.Equal(t, []string{"list_events"}, tools.invoked)
	assert.Contains(t, model.requests[0].System, "Tool list_events:")
}

func TestToolPipeline_NoToolsFallsBackToGeneral(t *testing.T) {
	model := &stubModel{text: jsonEnvelope("just chatting")}
	general := NewGeneralPipeline(model, 10, 1024)
	p := NewToolPipeline(model, &stubTools{}, general, nil, 1024)

	env, err := p.Run(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentGeneral, env.Classification)
	assert.Empty(t, env.ToolsUsed)
}

func TestToolPipeline_FailedToolStillSummarised(t *testing.T) {
	model := &stubModel{text: jsonEnvelope("the schedule service is down")}
	tools := &stubTools{
		names:  []string{"waste_schedule"},
		invErr: map[string]error{"waste_schedule": domain.ErrUnavailable},
	}
	general := NewGeneralPipeline(model, 10, 1024)
	p := NewToolPipeline(model, tools, general, nil, 1024)

	env, err := p.Run(context.Background(), "when is my bin collected? show schedule", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"waste_schedule"}, env.ToolsUsed, "attempted tools are recorded")
	assert.Contains(t, model.requests[0].System, "FAILED")
}

func TestRouter_KeywordPreFilter(t *testing.T) {
	r := NewRouter(&stubModel{})
	assert.Equal(t, domain.IntentTool, r.Classify(context.Background(), "show me all events"))
	assert.Equal(t, domain.IntentRAG, r.Classify(context.Background(), "what does the Policy say?"))
}

func TestRouter_ModelStageAndDefault(t *testing.T) {
	r := NewRouter(&stubModel{classifyText: "RAG."})
	assert.Equal(t, domain.IntentRAG, r.Classify(context.Background(), "refund rules?"))

	r = NewRouter(&stubModel{classifyText: "I would say it is nothing special"})
	assert.Equal(t, domain.IntentGeneral, r.Classify(context.Background(), "hello there"))

	r = NewRouter(&stubModel{err: assert.AnError})
	assert.Equal(t, domain.IntentGeneral, r.Classify(context.Background(), "hmm"))
}

func TestRankedSources_OrderedByBestScore(t *testing.T) {
	chunks := []domain.Chunk{
		{Source: "b.pdf", Score: 0.75},
		{Source: "a.pdf", Score: 0.91},
		{Source: "b.pdf", Score: 0.88},
		{Source: "a.pdf", Score: 0.70},
	}
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, rankedSources(chunks))
}
