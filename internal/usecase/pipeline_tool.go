package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// ToolPipeline identifies applicable tools, invokes them sequentially, and
// has the model synthesise a user-readable summary of the results.
type ToolPipeline struct {
	model     domain.ModelClient
	tools     domain.ToolInvoker
	general   *GeneralPipeline
	analytics domain.AnalyticsWriter
	maxTokens int
}

// NewToolPipeline constructs the tool executor.
func NewToolPipeline(model domain.ModelClient, tools domain.ToolInvoker, general *GeneralPipeline, analytics domain.AnalyticsWriter, maxTokens int) *ToolPipeline {
	return &ToolPipeline{model: model, tools: tools, general: general, analytics: analytics, maxTokens: maxTokens}
}

type toolResult struct {
	name    string
	success bool
	payload map[string]any
	err     error
}

// Run implements Pipeline.
func (p *ToolPipeline) Run(ctx domain.Context, userText string, history []domain.Message) (domain.Envelope, error) {
	names, err := p.tools.Identify(ctx, userText)
	if err != nil || len(names) == 0 {
		env, gerr := p.general.Run(ctx, userText, history)
		if gerr != nil {
			return domain.Envelope{}, gerr
		}
		return env, nil
	}

	results := make([]toolResult, 0, len(names))
	for _, name := range names {
		start := time.Now()
		payload, err := p.tools.Invoke(ctx, name, map[string]any{"query": userText})
		latency := time.Since(start).Milliseconds()
		res := toolResult{name: name, success: err == nil, payload: payload, err: err}
		results = append(results, res)
		if p.analytics != nil {
			p.analytics.RecordTool(ctx, sessionIDFrom(ctx), name, latency, res.success, nil)
		}
		if ctx.Err() != nil {
			return domain.Envelope{}, ctx.Err()
		}
	}

	completion, err := p.model.Generate(ctx, domain.GenerateRequest{
		System:    composePrompt(toolSummaryPrompt + "\n\n" + formatToolResults(results)),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: userText}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("op=pipeline.tool: %w", err)
	}

	env := envelopeFrom(domain.IntentTool, completion, time.Now())
	env.ToolsUsed = names
	return env, nil
}

// formatToolResults renders result rows for the summary prompt.
func formatToolResults(results []toolResult) string {
	var sb strings.Builder
	for _, r := range results {
		if !r.success {
			fmt.Fprintf(&sb, "Tool %s: FAILED (%v)\n", r.name, r.err)
			continue
		}
		b, err := json.Marshal(r.payload)
		if err != nil {
			fmt.Fprintf(&sb, "Tool %s: result unserialisable\n", r.name)
			continue
		}
		fmt.Fprintf(&sb, "Tool %s: %s\n", r.name, b)
	}
	return sb.String()
}
