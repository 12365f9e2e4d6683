package usecase

import (
	"log/slog"
	"strings"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// Keyword pre-filter sets. Whole-word matches on the lowercased text short
// circuit the model stage.
var (
	toolKeywords     = map[string]bool{"event": true, "events": true, "acara": true, "jadual": true, "schedule": true}
	documentKeywords = map[string]bool{"document": true, "documents": true, "policy": true, "polisi": true, "terms": true, "dokumen": true, "bylaw": true, "bylaws": true}
)

// Router classifies user text into an intent. Classification must never
// block a reply: any failure defaults to GENERAL.
type Router struct {
	model domain.ModelClient
}

// NewRouter constructs a Router.
func NewRouter(model domain.ModelClient) *Router { return &Router{model: model} }

// Classify returns the routing intent for userText.
func (r *Router) Classify(ctx domain.Context, userText string) domain.Intent {
	if intent, ok := keywordIntent(userText); ok {
		return intent
	}

	completion, err := r.model.Generate(ctx, domain.GenerateRequest{
		System:      classifyPrompt,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: userText}},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil || completion.IsFallback {
		slog.Debug("intent classification unavailable, defaulting to general", slog.Any("error", err))
		return domain.IntentGeneral
	}
	return parseIntentToken(completion.Text)
}

// keywordIntent applies the stage-1 pre-filter.
func keywordIntent(text string) (domain.Intent, bool) {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if toolKeywords[w] {
			return domain.IntentTool, true
		}
		if documentKeywords[w] {
			return domain.IntentRAG, true
		}
	}
	return "", false
}

// parseIntentToken takes the first whole-word intent token in the model
// answer; anything else is GENERAL.
func parseIntentToken(text string) domain.Intent {
	for _, w := range strings.Fields(strings.ToUpper(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		switch w {
		case "RAG":
			return domain.IntentRAG
		case "TOOL":
			return domain.IntentTool
		case "GENERAL":
			return domain.IntentGeneral
		}
	}
	return domain.IntentGeneral
}
