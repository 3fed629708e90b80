// Package summarize folds evicted conversation turns into a bounded
// running summary.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"lerian-timeline-engine/internal/llm"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/types"
)

const foldInstruction = "Produce a concise, factual running summary of the conversation preserving: " +
	"user identity and preferences; established facts; open questions; recent decisions. " +
	"Reply with the summary text only."

// Summarizer folds messages into a running summary via the LLM, with a
// degraded extract-first-sentence fallback when the LLM is unavailable.
type Summarizer struct {
	completer       llm.Completer
	maxSummaryChars int
	logger          logging.Logger
}

// NewSummarizer creates a summarizer bounded to maxSummaryChars
func NewSummarizer(completer llm.Completer, maxSummaryChars int) *Summarizer {
	return &Summarizer{
		completer:       completer,
		maxSummaryChars: maxSummaryChars,
		logger:          logging.WithComponent("summarizer"),
	}
}

// Fold merges the previous summary with the given messages. Folded input
// is never dropped silently: on LLM failure the fallback carries the first
// sentence of every folded message.
func (s *Summarizer) Fold(ctx context.Context, previousSummary string, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return previousSummary, nil
	}

	prompt := s.buildPrompt(previousSummary, messages)
	summary, err := s.completer.Complete(ctx, foldInstruction, prompt)
	if err != nil {
		s.logger.WarnContext(ctx, "summary fold failed, using extractive fallback",
			"messages", len(messages), "error", err.Error())
		summary = s.fallback(previousSummary, messages)
	}

	return TruncateAtSentence(summary, s.maxSummaryChars), nil
}

func (s *Summarizer) buildPrompt(previousSummary string, messages []types.Message) string {
	var b strings.Builder
	if previousSummary != "" {
		b.WriteString("Current summary:\n")
		b.WriteString(previousSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("New conversation turns to fold in:\n")
	for i := range messages {
		fmt.Fprintf(&b, "%s: %s\n", messages[i].Role, messages[i].Content)
	}
	return b.String()
}

// fallback concatenates the previous summary and the first sentence of
// each folded message.
func (s *Summarizer) fallback(previousSummary string, messages []types.Message) string {
	parts := make([]string, 0, len(messages)+1)
	if previousSummary != "" {
		parts = append(parts, previousSummary)
	}
	for i := range messages {
		if sentence := FirstSentence(messages[i].Content); sentence != "" {
			parts = append(parts, sentence)
		}
	}
	return strings.Join(parts, " ")
}

// FirstSentence returns the text up to and including the first sentence
// terminator, or the whole text if none is found.
func FirstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
	}
	return text
}

// TruncateAtSentence bounds text to maxChars, cutting back to the last
// sentence terminator when one exists past the midpoint, otherwise to the
// last whitespace.
func TruncateAtSentence(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}

	cut := text[:maxChars]
	for i := len(cut) - 1; i >= maxChars/2; i-- {
		if cut[i] == '.' || cut[i] == '!' || cut[i] == '?' {
			return strings.TrimSpace(cut[:i+1])
		}
	}
	if idx := strings.LastIndexFunc(cut, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }); idx > 0 {
		return strings.TrimSpace(cut[:idx])
	}
	return strings.TrimSpace(cut)
}
