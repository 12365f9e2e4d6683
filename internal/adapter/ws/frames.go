// Package ws is the websocket gateway: it upgrades connections, normalises
// ingress frames, and shapes dispatcher replies into the egress frame
// vocabulary.
package ws

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/pkg/textx"
)

// ingressFrame accepts both historical shapes, {action, message} and
// {type, content}, and normalises to the latter.
type ingressFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Content   string `json:"content"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	HasImage  bool   `json:"hasImage"`
	ImageData string `json:"imageData"`
}

// normalisedFrame is the validated form the gateway routes on.
type normalisedFrame struct {
	Type      string `validate:"required,oneof=user_message ping system"`
	Content   string `validate:"required"`
	MessageID string
	SessionID string
	ImageB64  string
}

var validate = validator.New()

// normalise folds the legacy {action, message} shape into {type, content}
// and validates the result.
func normalise(f ingressFrame) (normalisedFrame, error) {
	out := normalisedFrame{
		Type:      f.Type,
		Content:   f.Content,
		MessageID: f.MessageID,
		SessionID: f.SessionID,
	}
	if out.Type == "" {
		out.Type = f.Action
	}
	if out.Content == "" {
		out.Content = f.Message
	}
	out.Content = textx.SanitizeText(out.Content)
	if f.HasImage && f.ImageData != "" {
		out.ImageB64 = f.ImageData
	}
	if err := validate.Struct(out); err != nil {
		return normalisedFrame{}, fmt.Errorf("op=ws.normalise: %v: %w", err, domain.ErrInvalidArgument)
	}
	return out, nil
}

// Egress frames.

type connectionEstablishedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

type pongFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

type statusResponseFrame struct {
	Type      string         `json:"type"`
	MessageID string         `json:"messageId"`
	SessionID string         `json:"sessionId"`
	Timestamp string         `json:"timestamp"`
	Status    map[string]any `json:"status"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

type escalationNoticeFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	Sentiment string `json:"sentiment"`
	// Confidence accompanies the sentiment that tripped the escalation rule.
	Confidence float64 `json:"confidence"`
}

type languageData struct {
	DetectedLanguage string  `json:"detected_language"`
	LanguageName     string  `json:"language_name"`
	Confidence       float64 `json:"confidence"`
}

type sentimentData struct {
	Sentiment         string  `json:"sentiment"`
	Confidence        float64 `json:"confidence"`
	RequiresAttention bool    `json:"requires_attention"`
}

type assistantMessageFrame struct {
	Type          string        `json:"type"`
	MessageID     string        `json:"messageId"`
	SessionID     string        `json:"sessionId"`
	Timestamp     string        `json:"timestamp"`
	Content       string        `json:"content"`
	QueryType     string        `json:"query_type"`
	Sources       []string      `json:"sources"`
	ToolsUsed     []string      `json:"tools_used"`
	LanguageData  languageData  `json:"language_data"`
	SentimentData sentimentData `json:"sentiment_data"`
	IsFallback    bool          `json:"is_fallback,omitempty"`
}

// assistantFrame shapes a dispatcher envelope for the wire.
func assistantFrame(sessionID, messageID string, at time.Time, env domain.Envelope) assistantMessageFrame {
	sources := env.Sources
	if sources == nil {
		sources = []string{}
	}
	tools := env.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	return assistantMessageFrame{
		Type:      "assistant_message",
		MessageID: messageID,
		SessionID: sessionID,
		Timestamp: at.UTC().Format(time.RFC3339),
		Content:   env.Text,
		QueryType: string(env.Classification),
		Sources:   sources,
		ToolsUsed: tools,
		LanguageData: languageData{
			DetectedLanguage: env.DetectedLanguage,
			LanguageName:     languageName(env.DetectedLanguage),
			Confidence:       languageConfidence(env),
		},
		SentimentData: sentimentData{
			Sentiment:         env.Sentiment,
			Confidence:        env.SentimentConf,
			RequiresAttention: env.RequiresAttention,
		},
		IsFallback: env.IsFallback,
	}
}

func languageName(code string) string {
	switch code {
	case "ms":
		return "Bahasa Melayu"
	case "zh":
		return "Mandarin"
	case "ta":
		return "Tamil"
	default:
		return "English"
	}
}

// languageConfidence is fixed high for model-attributed detections and low
// for fallback envelopes where no detection ran.
func languageConfidence(env domain.Envelope) float64 {
	if env.IsFallback {
		return 0.5
	}
	return 0.9
}
