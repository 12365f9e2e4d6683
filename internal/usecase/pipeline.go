package usecase

import (
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// Pipeline produces a reply envelope for one user message. Implementations
// must honour ctx cancellation; the dispatcher bounds each run with a soft
// deadline.
type Pipeline interface {
	Run(ctx domain.Context, userText string, history []domain.Message) (domain.Envelope, error)
}

// PipelineSet bundles the three executors plus routing.
type PipelineSet struct {
	router  *Router
	general *GeneralPipeline
	rag     *RAGPipeline
	tool    *ToolPipeline
}

// NewPipelineSet wires the executors.
func NewPipelineSet(router *Router, general *GeneralPipeline, rag *RAGPipeline, tool *ToolPipeline) *PipelineSet {
	return &PipelineSet{router: router, general: general, rag: rag, tool: tool}
}

// Select routes userText to its executor and returns the chosen intent.
func (p *PipelineSet) Select(ctx domain.Context, userText string) (Pipeline, domain.Intent) {
	intent := p.router.Classify(ctx, userText)
	switch intent {
	case domain.IntentRAG:
		return p.rag, intent
	case domain.IntentTool:
		return p.tool, intent
	default:
		return p.general, domain.IntentGeneral
	}
}

// envelopeFrom folds a model completion and its parsed structure into the
// uniform envelope.
func envelopeFrom(intent domain.Intent, completion domain.Completion, now time.Time) domain.Envelope {
	parsed := parseStructuredReply(completion.Text, now)
	return domain.Envelope{
		Text:              parsed.Response,
		Classification:    intent,
		DetectedLanguage:  parsed.Language,
		Sentiment:         parsed.Sentiment,
		SentimentConf:     parsed.SentimentConf,
		RequiresAttention: parsed.RequiresAttn,
		ResponseTone:      parsed.ResponseTone,
		IsFallback:        completion.IsFallback,
	}
}

// historyWindow trims history to its most recent n entries.
func historyWindow(history []domain.Message, n int) []domain.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
