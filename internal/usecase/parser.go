package usecase

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// parsedReply is the normalised model envelope. Every field is always set;
// defaults fill anything the model omitted or garbled.
type parsedReply struct {
	Response      string
	Language      string
	Sentiment     string
	SentimentConf float64
	RequiresAttn  bool
	ResponseTone  string
	ParsingError  bool
	AnalyzedAt    time.Time
}

// parseStructuredReply normalises raw model output into a parsedReply. It
// never fails: on any malformation the raw text becomes the response and
// defaults fill the rest, with ParsingError set.
func parseStructuredReply(raw string, now time.Time) parsedReply {
	out := parsedReply{
		Response:      strings.TrimSpace(raw),
		Language:      "en",
		Sentiment:     "NEUTRAL",
		SentimentConf: 0.5,
		RequiresAttn:  false,
		ResponseTone:  "professional",
		AnalyzedAt:    now.UTC(),
	}

	body := stripCodeFences(raw)
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		out.ParsingError = true
		out.Language = detectLanguage(raw)
		return out
	}

	if v, ok := m["response"].(string); ok && v != "" {
		out.Response = v
	} else {
		out.ParsingError = true
	}
	if v, ok := m["detected_language"].(string); ok && validLanguage(v) {
		out.Language = v
	} else {
		out.Language = detectLanguage(out.Response)
	}
	if v, ok := m["detected_sentiment"].(string); ok && validSentiment(v) {
		out.Sentiment = strings.ToUpper(v)
	}
	if v, ok := m["sentiment_confidence"].(float64); ok && v >= 0 && v <= 1 {
		out.SentimentConf = v
	}
	if v, ok := m["requires_attention"].(bool); ok {
		out.RequiresAttn = v
	}
	if v, ok := m["response_tone"].(string); ok && v != "" {
		out.ResponseTone = v
	}
	return out
}

// stripCodeFences removes a leading/trailing markdown fence pair, tolerating
// a language tag on the opening fence, and falls back to the first balanced
// JSON object in the text.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		if i := strings.IndexByte(s, '{'); i >= 0 {
			if j := strings.LastIndexByte(s, '}'); j > i {
				return s[i : j+1]
			}
		}
	}
	return s
}

func validLanguage(v string) bool {
	switch v {
	case "en", "ms", "zh", "ta":
		return true
	}
	return false
}

func validSentiment(v string) bool {
	switch strings.ToUpper(v) {
	case "POSITIVE", "NEGATIVE", "NEUTRAL", "MIXED":
		return true
	}
	return false
}

// malayHints are common Malay function words; any two distinct hits tag a
// text as Malay when no script range matched.
var malayHints = []string{
	"saya", "anda", "tidak", "boleh", "macam", "mana", "bila", "tolong",
	"terima", "kasih", "aduan", "jalan", "sampah", "lesen", "cukai", "bayar",
}

// detectLanguage is the no-model heuristic: script ranges for Chinese and
// Tamil, lexical hints for Malay, English otherwise.
func detectLanguage(text string) string {
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			return "zh"
		}
		if r >= 0x0B80 && r <= 0x0BFF {
			return "ta"
		}
	}
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) })
	seen := map[string]bool{}
	hits := 0
	for _, w := range words {
		for _, hint := range malayHints {
			if w == hint && !seen[w] {
				seen[w] = true
				hits++
			}
		}
	}
	if hits >= 2 {
		return "ms"
	}
	return "en"
}
