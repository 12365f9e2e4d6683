// Package usecase holds the conversational core: intent routing, the three
// reply pipelines, structured-output parsing and the dispatcher that ties a
// transport frame to a persisted exchange.
package usecase

import (
	"fmt"
	"strings"
)

// basePrompt is shared by every pipeline. It fixes the four supported
// languages, the polarity of culture-specific interjections, and the JSON
// envelope the model must emit as its entire reply.
const basePrompt = `You are CityPulse, the municipal assistant for Malaysian residents.
Users write in English (en), Bahasa Melayu (ms), Mandarin (zh) or Tamil (ta).

Language rules:
1. Detect the user's primary language as one of: en, ms, zh, ta.
2. Respond in that language.

Interjections and their polarity (context-sensitive, judge carefully):
- "aiyo" / "aiyoh": distress or frustration (negative lean).
- "alamak": surprise at a problem (negative lean).
- "wah" / "walao": amazement; positive unless paired with a complaint.
- "lah" / "lor" / "leh": tone particles, neutral by themselves.
- "bagus" / "syabas": approval (positive).
- "haiya": resignation (negative lean).

Sentiment rules:
3. Score sentiment as one of POSITIVE, NEGATIVE, NEUTRAL, MIXED with a
   confidence between 0 and 1.
4. Set requires_attention to true when sentiment is NEGATIVE with
   confidence >= 0.7, or MIXED with confidence >= 0.8.

Output rules:
5. Your ENTIRE reply must be a single JSON object, no prose around it:
{"response": "<your reply in the user's language>",
 "detected_language": "en|ms|zh|ta",
 "detected_sentiment": "POSITIVE|NEGATIVE|NEUTRAL|MIXED",
 "sentiment_confidence": <0..1>,
 "requires_attention": <true|false>,
 "response_tone": "<professional|empathetic|celebratory>"}`

// classifyPrompt constrains the router's model stage to one literal token.
const classifyPrompt = `Classify the user message into exactly one category.
Reply with ONE word only: RAG, GENERAL or TOOL.

RAG: questions answerable from council documents, policies, bylaws, terms.
TOOL: requests for live data such as events, schedules, service lookups.
GENERAL: everything else, including greetings and chit-chat.`

// ragPromptHeader precedes the retrieved context block.
const ragPromptHeader = `Answer using ONLY the context documents below. Do not
cite document numbers or sources in the body of your answer; sources are
attached separately. If the context does not answer the question, say so.`

// ragEmptyNote is appended to the general prompt when retrieval found nothing.
const ragEmptyNote = `No relevant documents were found for this question. Answer
from general knowledge and say that council documents did not cover it.`

// toolSummaryPrompt wraps raw tool results for user-readable synthesis.
const toolSummaryPrompt = `The following tool results answer the user's request.
Summarise them for the user. Do not invent data that is not in the results.`

// composePrompt attaches a specialisation to the base prompt.
func composePrompt(specialisation string) string {
	if specialisation == "" {
		return basePrompt
	}
	return basePrompt + "\n\n" + specialisation
}

// renderContext renders ranked chunks as numbered document blocks, stopping
// before cumulative length exceeds maxLen. Rank order is preserved.
func renderContext(chunks []chunkView, maxLen int) string {
	var sb strings.Builder
	for i, ch := range chunks {
		block := fmt.Sprintf("[Document %d — %s]\n%s\n", i+1, ch.Source, ch.Content)
		if sb.Len()+len(block) > maxLen && sb.Len() > 0 {
			break
		}
		sb.WriteString(block)
	}
	return sb.String()
}

type chunkView struct {
	Source  string
	Content string
}
