package workflow

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// DefaultClassification is the conservative fallback when classification
// fails for any reason: a road complaint with no sub-category.
var DefaultClassification = domain.Classification{
	Feedback:    "complaint",
	Category:    "JALAN",
	SubCategory: "--",
}

// classifyPrompt fixes the closed vocabulary. The model must answer with a
// bare JSON object.
const classifyPrompt = `Classify this municipal incident report.

feedback must be one of: complaint (aduan), suggestion (cadangan),
appreciation (penghargaan), inquiry (pertanyaan) - use the English token.
category must be one of: JALAN (roads), LAMPU (street lighting), SAMPAH
(waste), LONGKANG (drainage), POKOK (trees), BANGUNAN (buildings), LAIN
(other).
sub_category: a short upper-case token refining the category, or "--".

Reply with ONLY this JSON object:
{"feedback": "...", "category": "...", "sub_category": "..."}`

var validFeedback = map[string]bool{"complaint": true, "suggestion": true, "appreciation": true, "inquiry": true}
var validCategory = map[string]bool{"JALAN": true, "LAMPU": true, "SAMPAH": true, "LONGKANG": true, "POKOK": true, "BANGUNAN": true, "LAIN": true}

// ModelClassifier classifies incidents with a vision-capable model call.
type ModelClassifier struct {
	model domain.ModelClient
}

// NewModelClassifier constructs a ModelClassifier.
func NewModelClassifier(model domain.ModelClient) *ModelClassifier {
	return &ModelClassifier{model: model}
}

// Classify derives the triple from text plus an optional image. Any failure
// returns DefaultClassification; classification must never block a commit.
func (c *ModelClassifier) Classify(ctx domain.Context, text, imageB64 string) domain.Classification {
	completion, err := c.model.Generate(ctx, domain.GenerateRequest{
		System:      classifyPrompt,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: text}},
		MaxTokens:   128,
		Temperature: 0,
		ImageB64:    imageB64,
	})
	if err != nil || completion.IsFallback {
		slog.Warn("incident classification unavailable, using default", slog.Any("error", err))
		return DefaultClassification
	}
	return parseClassification(completion.Text)
}

// parseClassification extracts the JSON object and validates it against the
// closed vocabulary.
func parseClassification(text string) domain.Classification {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '{'); i >= 0 {
		if j := strings.LastIndexByte(text, '}'); j > i {
			text = text[i : j+1]
		}
	}
	var out domain.Classification
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return DefaultClassification
	}
	out.Feedback = strings.ToLower(strings.TrimSpace(out.Feedback))
	out.Category = strings.ToUpper(strings.TrimSpace(out.Category))
	out.SubCategory = strings.ToUpper(strings.TrimSpace(out.SubCategory))
	if !validFeedback[out.Feedback] || !validCategory[out.Category] {
		return DefaultClassification
	}
	if out.SubCategory == "" {
		out.SubCategory = "--"
	}
	return out
}
