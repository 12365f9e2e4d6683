package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// Dialect identifies the wire format a model family speaks.
type Dialect string

const (
	// DialectLegacy is the anthropic_version request shape.
	DialectLegacy Dialect = "legacy"
	// DialectStructured is the messages/inferenceConfig request shape.
	DialectStructured Dialect = "structured"
)

// DetectDialect picks the wire dialect from a model identifier. Inference
// profile ARNs embed the underlying model id, so a substring check covers
// all three endpoint tiers.
func DetectDialect(modelID string) Dialect {
	id := strings.ToLower(modelID)
	if strings.Contains(id, "anthropic.") || strings.Contains(id, "claude") {
		return DialectLegacy
	}
	return DialectStructured
}

// encodeLegacy builds the anthropic_version request body:
//
//	{anthropic_version, max_tokens, temperature,
//	 messages: [{role, content}], system}
//
// An attached image becomes a base64 image content block ahead of the text
// of the final user message.
func encodeLegacy(req domain.GenerateRequest, imageMediaType string) ([]byte, error) {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for i, m := range req.Messages {
		if req.ImageB64 != "" && i == len(req.Messages)-1 && m.Role == domain.RoleUser {
			msgs = append(msgs, map[string]any{
				"role": string(m.Role),
				"content": []map[string]any{
					{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": imageMediaType,
							"data":       req.ImageB64,
						},
					},
					{"type": "text", "text": m.Content},
				},
			})
			continue
		}
		msgs = append(msgs, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	body := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        req.MaxTokens,
		"temperature":       req.Temperature,
		"messages":          msgs,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=bedrock.encode_legacy: %w", err)
	}
	return b, nil
}

// encodeStructured builds the structured request body:
//
//	{messages: [{role, content: [{text}]}],
//	 inferenceConfig: {maxTokens, temperature}, system: [{text}]}
func encodeStructured(req domain.GenerateRequest, imageMediaType string) ([]byte, error) {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for i, m := range req.Messages {
		content := []map[string]any{{"text": m.Content}}
		if req.ImageB64 != "" && i == len(req.Messages)-1 && m.Role == domain.RoleUser {
			format := strings.TrimPrefix(imageMediaType, "image/")
			content = append([]map[string]any{
				{"image": map[string]any{
					"format": format,
					"source": map[string]any{"bytes": req.ImageB64},
				}},
			}, content...)
		}
		msgs = append(msgs, map[string]any{
			"role":    string(m.Role),
			"content": content,
		})
	}
	body := map[string]any{
		"messages": msgs,
		"inferenceConfig": map[string]any{
			"maxTokens":   req.MaxTokens,
			"temperature": req.Temperature,
		},
	}
	if req.System != "" {
		body["system"] = []map[string]any{{"text": req.System}}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=bedrock.encode_structured: %w", err)
	}
	return b, nil
}

// Encode marshals a generate request into the dialect's wire form.
func (d Dialect) Encode(req domain.GenerateRequest, imageMediaType string) ([]byte, error) {
	switch d {
	case DialectLegacy:
		return encodeLegacy(req, imageMediaType)
	default:
		return encodeStructured(req, imageMediaType)
	}
}
