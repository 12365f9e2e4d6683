package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/domain"
)

func TestNormalise_BothShapes(t *testing.T) {
	modern, err := normalise(ingressFrame{Type: "user_message", Content: "hello", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "user_message", modern.Type)
	assert.Equal(t, "hello", modern.Content)
	assert.Equal(t, "s1", modern.SessionID)

	legacy, err := normalise(ingressFrame{Action: "ping", Message: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", legacy.Type)
	assert.Equal(t, "ping", legacy.Content)
}

func TestNormalise_SanitisesContent(t *testing.T) {
	out, err := normalise(ingressFrame{Type: "user_message", Content: "  he\x00llo\x1b there  "})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Content)

	// Content that is nothing but control characters is empty after
	// sanitisation, and empty content is invalid.
	_, err = normalise(ingressFrame{Type: "user_message", Content: "\x00\x01  "})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNormalise_Rejections(t *testing.T) {
	_, err := normalise(ingressFrame{Type: "user_message"})
	require.Error(t, err, "empty content is invalid")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = normalise(ingressFrame{Type: "sql_injection", Content: "x"})
	require.Error(t, err, "unknown type is invalid")

	_, err = normalise(ingressFrame{Content: "no type at all"})
	require.Error(t, err)
}

func TestNormalise_ImageOnlyWithFlag(t *testing.T) {
	withFlag, err := normalise(ingressFrame{Type: "user_message", Content: "pothole", HasImage: true, ImageData: "aW1n"})
	require.NoError(t, err)
	assert.Equal(t, "aW1n", withFlag.ImageB64)

	withoutFlag, err := normalise(ingressFrame{Type: "user_message", Content: "pothole", ImageData: "aW1n"})
	require.NoError(t, err)
	assert.Empty(t, withoutFlag.ImageB64)
}

func TestAssistantFrame_Shape(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env := domain.Envelope{
		Text:              "Kutipan hari Selasa.",
		Classification:    domain.IntentRAG,
		Sources:           []string{"policy_v3.pdf"},
		DetectedLanguage:  "ms",
		Sentiment:         "NEUTRAL",
		SentimentConf:     0.9,
		RequiresAttention: false,
	}
	frame := assistantFrame("s1", "m1", at, env)

	b, err := json.Marshal(frame)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))

	assert.Equal(t, "assistant_message", m["type"])
	assert.Equal(t, "s1", m["sessionId"])
	assert.Equal(t, "m1", m["messageId"])
	assert.Equal(t, "2026-08-24T10:00:00Z", m["timestamp"])
	assert.Equal(t, "rag", m["query_type"])

	lang := m["language_data"].(map[string]any)
	assert.Equal(t, "ms", lang["detected_language"])
	assert.Equal(t, "Bahasa Melayu", lang["language_name"])

	sent := m["sentiment_data"].(map[string]any)
	assert.Equal(t, "NEUTRAL", sent["sentiment"])
	assert.Equal(t, false, sent["requires_attention"])

	_, hasFallback := m["is_fallback"]
	assert.False(t, hasFallback, "is_fallback omitted when false")
}

func TestAssistantFrame_EmptySlicesNotNull(t *testing.T) {
	frame := assistantFrame("s1", "m1", time.Now(), domain.Envelope{Text: "hi", Classification: domain.IntentGeneral})
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sources":[]`)
	assert.Contains(t, string(b), `"tools_used":[]`)
}
