// Package tokencount estimates token usage for model calls whose responses
// carry no usage numbers.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library. The cl100k
// encoding is a reasonable approximation for the model families served here;
// estimates feed analytics only, never billing.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// getEncodingForModel returns a cached tiktoken encoding for a model.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps inference model identifiers onto tiktoken names.
// Bedrock ids look like "anthropic.claude-3-haiku-20240307-v1:0" or
// "amazon.nova-lite-v1:0"; cl100k via gpt-4 approximates all of them.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.IndexByte(model, ':'); i > 0 {
		model = model[:i]
	}
	switch {
	case strings.Contains(model, "claude"):
		return "gpt-4"
	case strings.Contains(model, "nova"):
		return "gpt-4"
	case strings.Contains(model, "titan"):
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountTokens counts tokens in text for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateUsage approximates prompt and completion token counts for an
// exchange. Errors degrade to zero counts; estimation must never fail a call.
func (c *Counter) EstimateUsage(prompt, completion, model string) (promptTokens, completionTokens int) {
	if n, err := c.CountTokens(prompt, model); err == nil {
		promptTokens = n
	}
	if n, err := c.CountTokens(completion, model); err == nil {
		completionTokens = n
	}
	return promptTokens, completionTokens
}
