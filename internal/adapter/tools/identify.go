package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// identifyPrompt asks the model for a bare JSON array of tool names.
const identifyPrompt = `You select tools for a Malaysian municipal assistant.
Given the user message and the available tools, reply with ONLY a JSON array
of the tool names to call, in call order. Reply [] when no tool applies.

Available tools:
%s

User message:
%s`

// Identify asks the model which registered tools apply to the user text.
// Unknown names in the model's answer are dropped; a malformed answer yields
// an empty selection rather than an error.
func (inv *Invoker) Identify(ctx domain.Context, userText string) ([]string, error) {
	if inv.model == nil || len(inv.registry.Names()) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	descs := inv.registry.Descriptions()
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, descs[name])
	}

	prompt := fmt.Sprintf(identifyPrompt, sb.String(), userText)
	completion, err := inv.model.Generate(ctx, domain.GenerateRequest{
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: prompt}},
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("op=tool.identify: %w", err)
	}
	if completion.IsFallback {
		return nil, nil
	}

	selected := parseNameArray(completion.Text)
	out := make([]string, 0, len(selected))
	for _, name := range selected {
		if _, ok := inv.registry.Get(name); ok {
			out = append(out, name)
		} else {
			slog.Debug("model selected unknown tool", slog.String("tool", name))
		}
	}
	return out, nil
}

// parseNameArray extracts a JSON string array from model output, tolerating
// markdown fences and surrounding prose.
func parseNameArray(text string) []string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "["); i >= 0 {
		if j := strings.LastIndex(text, "]"); j > i {
			text = text[i : j+1]
		}
	}
	var names []string
	if err := json.Unmarshal([]byte(text), &names); err != nil {
		return nil
	}
	return names
}
