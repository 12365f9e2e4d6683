package usecase

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// RAGPipeline retrieves council document chunks and answers from them.
type RAGPipeline struct {
	model      domain.ModelClient
	retriever  domain.Retriever
	general    *GeneralPipeline
	limit      int
	threshold  float64
	contextCap int
	maxTokens  int
}

// NewRAGPipeline constructs the RAG executor. general takes over when
// retrieval yields nothing.
func NewRAGPipeline(model domain.ModelClient, retriever domain.Retriever, general *GeneralPipeline, limit int, threshold float64, contextCap, maxTokens int) *RAGPipeline {
	if limit <= 0 {
		limit = 5
	}
	if threshold <= 0 {
		threshold = 0.7
	}
	if contextCap <= 0 {
		contextCap = 8000
	}
	return &RAGPipeline{
		model:      model,
		retriever:  retriever,
		general:    general,
		limit:      limit,
		threshold:  threshold,
		contextCap: contextCap,
		maxTokens:  maxTokens,
	}
}

// Run implements Pipeline.
func (p *RAGPipeline) Run(ctx domain.Context, userText string, history []domain.Message) (domain.Envelope, error) {
	chunks, err := p.retriever.Search(ctx, userText, p.limit, p.threshold)
	if err != nil {
		slog.Warn("retrieval failed, answering without context", slog.Any("error", err))
		chunks = nil
	}
	if len(chunks) == 0 {
		env, err := p.general.runWith(ctx, userText, history, ragEmptyNote)
		if err != nil {
			return domain.Envelope{}, err
		}
		env.Classification = domain.IntentRAG
		return env, nil
	}

	views := make([]chunkView, len(chunks))
	for i, ch := range chunks {
		views[i] = chunkView{Source: ch.Source, Content: ch.Content}
	}
	contextBlock := renderContext(views, p.contextCap)

	completion, err := p.model.Generate(ctx, domain.GenerateRequest{
		System:    composePrompt(ragPromptHeader + "\n\nContext documents:\n" + contextBlock),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: userText}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("op=pipeline.rag: %w", err)
	}

	env := envelopeFrom(domain.IntentRAG, completion, time.Now())
	env.Sources = rankedSources(chunks)
	return env, nil
}

// rankedSources returns distinct chunk sources ordered by each source's best
// score, descending.
func rankedSources(chunks []domain.Chunk) []string {
	best := map[string]float64{}
	for _, ch := range chunks {
		if ch.Source == "" {
			continue
		}
		if s, ok := best[ch.Source]; !ok || ch.Score > s {
			best[ch.Source] = ch.Score
		}
	}
	out := make([]string, 0, len(best))
	for src := range best {
		out = append(out, src)
	}
	sort.SliceStable(out, func(i, j int) bool { return best[out[i]] > best[out[j]] })
	return out
}
