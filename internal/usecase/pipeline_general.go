package usecase

import (
	"fmt"
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// GeneralPipeline answers from the model alone, with bounded conversation
// history for continuity.
type GeneralPipeline struct {
	model         domain.ModelClient
	historyWindow int
	maxTokens     int
}

// NewGeneralPipeline constructs the general executor.
func NewGeneralPipeline(model domain.ModelClient, historyWindow, maxTokens int) *GeneralPipeline {
	if historyWindow <= 0 {
		historyWindow = 10
	}
	return &GeneralPipeline{model: model, historyWindow: historyWindow, maxTokens: maxTokens}
}

// Run implements Pipeline.
func (p *GeneralPipeline) Run(ctx domain.Context, userText string, history []domain.Message) (domain.Envelope, error) {
	return p.runWith(ctx, userText, history, "")
}

// runWith lets the RAG executor delegate here with an extra prompt note.
func (p *GeneralPipeline) runWith(ctx domain.Context, userText string, history []domain.Message, note string) (domain.Envelope, error) {
	win := historyWindow(history, p.historyWindow)
	msgs := make([]domain.Message, 0, len(win)+1)
	msgs = append(msgs, win...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: userText})
	completion, err := p.model.Generate(ctx, domain.GenerateRequest{
		System:    composePrompt(note),
		Messages:  msgs,
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("op=pipeline.general: %w", err)
	}
	return envelopeFrom(domain.IntentGeneral, completion, time.Now()), nil
}
