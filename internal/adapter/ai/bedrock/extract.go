package bedrock

import (
	"encoding/json"
)

// responseBody covers both response dialects. Structured responses put text
// at content[].text or output.message.content[].text; legacy responses put
// it at content[] entries of type "text".
type responseBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Output struct {
		Message struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	} `json:"output"`
	Usage struct {
		// legacy
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		// structured
		InputTokensCamel  int `json:"inputTokens"`
		OutputTokensCamel int `json:"outputTokens"`
	} `json:"usage"`
}

// ExtractText pulls the reply text out of a raw response body. Structured
// paths are tried first, then the legacy path; a complete miss yields the
// empty string rather than an error.
func ExtractText(raw []byte) string {
	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, c := range body.Output.Message.Content {
		if c.Text != "" {
			return c.Text
		}
	}
	for _, c := range body.Content {
		if c.Type == "" || c.Type == "text" {
			if c.Text != "" {
				return c.Text
			}
		}
	}
	return ""
}

// ExtractUsage returns (promptTokens, completionTokens, ok). ok is false when
// the response carried no usage numbers in either dialect.
func ExtractUsage(raw []byte) (int, int, bool) {
	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, 0, false
	}
	if body.Usage.InputTokens > 0 || body.Usage.OutputTokens > 0 {
		return body.Usage.InputTokens, body.Usage.OutputTokens, true
	}
	if body.Usage.InputTokensCamel > 0 || body.Usage.OutputTokensCamel > 0 {
		return body.Usage.InputTokensCamel, body.Usage.OutputTokensCamel, true
	}
	return 0, 0, false
}
