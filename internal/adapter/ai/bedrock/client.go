// Package bedrock implements the model client facade over the Bedrock
// runtime. It negotiates the wire dialect from the configured model
// identifier, walks the endpoint tiers in priority order, and synthesises a
// fallback completion when every tier is exhausted.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"

	"github.com/citypulse-my/citypulse/internal/adapter/ai/tokencount"
	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/config"
	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
)

// FallbackText is the user-visible apology served when no endpoint tier can
// complete a generation.
const FallbackText = "I'm sorry, I'm having trouble responding right now. Please try again in a moment. / Maaf, saya menghadapi masalah untuk menjawab sekarang. Sila cuba sebentar lagi."

// Runtime mirrors the subset of *bedrockruntime.Client the adapter needs, so
// tests can pass a fake.
type Runtime interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// tier is one endpoint candidate in priority order.
type tier struct {
	name    string
	modelID string
}

// Client implements domain.ModelClient and domain.Embedder on the Bedrock
// runtime.
type Client struct {
	runtime        Runtime
	cfg            config.Config
	fabric         *resilience.Registry
	counter        *tokencount.Counter
	imageSizeBound int
}

// New constructs the model client. The resilience registry supplies the
// model and embedding breakers and retry policies.
func New(runtime Runtime, cfg config.Config, fabric *resilience.Registry) *Client {
	return &Client{
		runtime:        runtime,
		cfg:            cfg,
		fabric:         fabric,
		counter:        tokencount.NewCounter(),
		imageSizeBound: cfg.ImageSizeBound,
	}
}

// tiers returns endpoint candidates in fallback priority order: explicit
// inference profile, cross-region profile, direct model id.
func (c *Client) tiers() []tier {
	var out []tier
	if c.cfg.InferenceProfile != "" {
		out = append(out, tier{name: "inference_profile", modelID: c.cfg.InferenceProfile})
	}
	if c.cfg.CrossRegionProfile != "" {
		out = append(out, tier{name: "cross_region_profile", modelID: c.cfg.CrossRegionProfile})
	}
	out = append(out, tier{name: "direct", modelID: c.cfg.ModelID})
	return out
}

// isValidationError reports whether err is a validation-class failure that
// should demote to the next endpoint tier rather than be retried.
func isValidationError(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "ValidationException" || code == "ResourceNotFoundException" || code == "ModelNotReadyException"
	}
	return false
}

// Generate calls the inference endpoint. Validation-class errors demote to
// the next tier; any other failure stops the walk. Either way the terminal
// outcome is a single fallback completion with IsFallback set, and the only
// returned errors are context cancellations, so the caller always has
// something to show the user.
func (c *Client) Generate(ctx domain.Context, req domain.GenerateRequest) (domain.Completion, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.cfg.ModelMaxTokens
	}
	var mediaType string
	if req.ImageB64 != "" {
		if len(req.ImageB64) > c.imageSizeBound {
			slog.Warn("image over size bound, dropping to text-only",
				slog.Int("encoded_len", len(req.ImageB64)),
				slog.Int("bound", c.imageSizeBound))
			req.ImageB64 = ""
		} else {
			mediaType = sniffImageMediaType(req.ImageB64)
			if mediaType == "" {
				slog.Warn("image payload is not a recognised image, dropping to text-only")
				req.ImageB64 = ""
			}
		}
	}

	breaker := c.fabric.Breaker(resilience.ServiceModel)
	policy := c.fabric.Policy(resilience.ServiceModel)

	var lastErr error
	for _, t := range c.tiers() {
		if ctx.Err() != nil {
			return domain.Completion{}, ctx.Err()
		}
		dialect := DetectDialect(t.modelID)
		body, err := dialect.Encode(req, mediaType)
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		out, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			var raw []byte
			err := policy.Do(ctx, func() error {
				resp, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
					ModelId:     aws.String(t.modelID),
					ContentType: aws.String("application/json"),
					Accept:      aws.String("application/json"),
					Body:        body,
				})
				if err != nil {
					return err
				}
				raw = resp.Body
				return nil
			})
			return raw, err
		})
		observability.ModelRequestsTotal.WithLabelValues(string(dialect), t.name).Inc()
		observability.ModelRequestDuration.WithLabelValues(string(dialect), t.name).Observe(time.Since(start).Seconds())

		if err != nil {
			lastErr = err
			if isValidationError(err) {
				// Only validation-class failures mean the tier itself is
				// unusable; try the next one.
				slog.Warn("model tier demoted on validation error",
					slog.String("tier", t.name),
					slog.String("model", t.modelID),
					slog.Any("error", err))
				continue
			}
			slog.Error("model call failed",
				slog.String("tier", t.name),
				slog.String("model", t.modelID),
				slog.Any("error", err))
			break
		}

		raw, _ := out.([]byte)
		text := ExtractText(raw)
		usage := c.usageFor(req, text, raw, t.modelID)
		slog.Info("model generation succeeded",
			slog.String("tier", t.name),
			slog.String("dialect", string(dialect)),
			slog.Int("completion_tokens", usage.CompletionTokens))
		return domain.Completion{Text: text, Usage: usage, ModelID: t.modelID}, nil
	}

	if ctx.Err() != nil {
		return domain.Completion{}, ctx.Err()
	}
	slog.Error("model generation failed on every usable tier, serving fallback", slog.Any("error", lastErr))
	return domain.Completion{
		Text:       FallbackText,
		ModelID:    c.cfg.ModelID,
		IsFallback: true,
	}, nil
}

// usageFor reads usage numbers from the response, estimating with tiktoken
// when the response omits them.
func (c *Client) usageFor(req domain.GenerateRequest, text string, raw []byte, modelID string) domain.TokenUsage {
	if in, out, ok := ExtractUsage(raw); ok {
		return domain.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	var sb strings.Builder
	sb.WriteString(req.System)
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
	}
	in, out := c.counter.EstimateUsage(sb.String(), text, modelID)
	return domain.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// Embed returns dense vectors via the configured embedding model (Titan
// shape: {"inputText": ...} -> {"embedding": [...]}), one call per text.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	breaker := c.fabric.Breaker(resilience.ServiceEmbedding)
	policy := c.fabric.Policy(resilience.ServiceEmbedding)

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body, err := json.Marshal(map[string]any{"inputText": text})
		if err != nil {
			return nil, fmt.Errorf("op=bedrock.embed_encode: %w", err)
		}
		res, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			var raw []byte
			err := policy.Do(ctx, func() error {
				resp, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
					ModelId:     aws.String(c.cfg.EmbeddingModelID),
					ContentType: aws.String("application/json"),
					Accept:      aws.String("application/json"),
					Body:        body,
				})
				if err != nil {
					return err
				}
				raw = resp.Body
				return nil
			})
			return raw, err
		})
		if err != nil {
			return nil, fmt.Errorf("op=bedrock.embed: %w", err)
		}
		raw, _ := res.([]byte)
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("op=bedrock.embed_decode: %w", err)
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}

// sniffImageMediaType decodes the head of a base64 payload and detects its
// media type. Returns "" when the payload is not a supported image.
func sniffImageMediaType(b64 string) string {
	head := b64
	if len(head) > 512 {
		head = head[:512]
	}
	// Round down to a whole base64 quantum so partial decode succeeds.
	head = head[:len(head)-len(head)%4]
	decoded, err := base64.StdEncoding.DecodeString(head)
	if err != nil {
		return ""
	}
	mt := mimetype.Detect(decoded)
	switch mt.String() {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return mt.String()
	default:
		return ""
	}
}
