// Package prompt assembles the final LLM prompt from the user turn, the
// conversation window, and retrieved context, under a character budget.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/summarize"
	"lerian-timeline-engine/internal/types"
)

// Format names accepted by the builder
const (
	FormatStructured = "structured"
	FormatPlain      = "plain"
)

// Builder renders prompts in the configured format and length budget
type Builder struct {
	maxLength int
	format    string
	system    string
}

// Result carries the assembled prompt and what made it in
type Result struct {
	Prompt          string `json:"prompt"`
	Length          int    `json:"length"`
	GroupsIncluded  int    `json:"groups_included"`
	RecentIncluded  int    `json:"recent_included"`
	SummaryIncluded bool   `json:"summary_included"`
}

// NewBuilder creates a builder from configuration
func NewBuilder(cfg *config.PromptConfig) *Builder {
	return &Builder{
		maxLength: cfg.MaxLength,
		format:    strings.ToLower(cfg.Format),
		system:    cfg.System,
	}
}

// System returns the configured system instruction
func (b *Builder) System() string {
	return b.system
}

// Build assembles the prompt. The user turn must fit or the build fails
// with PROMPT_OVERFLOW; on overflow everything else is shed in reverse
// priority order: retrieved context first, then the summary, then the
// oldest recent messages.
func (b *Builder) Build(summary string, recent []types.Message, groups []types.ContextGroup, userMessage string) (*Result, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, apperrors.BadInput("user message cannot be empty")
	}

	bare := b.render("", nil, nil, userMessage)
	if len(bare) > b.maxLength {
		return nil, apperrors.Newf(apperrors.KindPromptOverflow,
			"user turn of %d chars cannot fit prompt budget of %d", len(userMessage), b.maxLength)
	}

	keptGroups := groups
	keptSummary := summary
	keptRecent := recent
	summaryTruncated := false

	for {
		prompt := b.render(keptSummary, keptRecent, keptGroups, userMessage)
		if len(prompt) <= b.maxLength {
			return &Result{
				Prompt:          prompt,
				Length:          len(prompt),
				GroupsIncluded:  len(keptGroups),
				RecentIncluded:  len(keptRecent),
				SummaryIncluded: keptSummary != "",
			}, nil
		}

		switch {
		case len(keptGroups) > 0:
			keptGroups = keptGroups[:len(keptGroups)-1]
		case keptSummary != "" && !summaryTruncated:
			overflow := len(prompt) - b.maxLength
			budget := len(keptSummary) - overflow
			keptSummary = summarize.TruncateAtSentence(keptSummary, budget)
			summaryTruncated = true
		case keptSummary != "":
			keptSummary = ""
		case len(keptRecent) > 0:
			keptRecent = keptRecent[1:]
		default:
			// Unreachable: the bare prompt fits.
			return nil, apperrors.Newf(apperrors.KindPromptOverflow,
				"prompt of %d chars exceeds budget of %d", len(prompt), b.maxLength)
		}
	}
}

func (b *Builder) render(summary string, recent []types.Message, groups []types.ContextGroup, userMessage string) string {
	if b.format == FormatPlain {
		return b.renderPlain(summary, recent, groups, userMessage)
	}
	return b.renderStructured(summary, recent, groups, userMessage)
}

func (b *Builder) renderStructured(summary string, recent []types.Message, groups []types.ContextGroup, userMessage string) string {
	var sb strings.Builder

	sb.WriteString("<system>\n")
	sb.WriteString(b.system)
	sb.WriteString("\n</system>\n")

	if summary != "" {
		sb.WriteString("<system>\nSummary of earlier conversation:\n")
		sb.WriteString(summary)
		sb.WriteString("\n</system>\n")
	}

	// Always present, empty when nothing was retrieved, so the prompt
	// shape stays stable across turns.
	sb.WriteString("<system>\nRetrieved context:\n")
	writeGroups(&sb, groups)
	sb.WriteString("</system>\n")

	if len(recent) > 0 {
		sb.WriteString("<recent>\n")
		writeRecent(&sb, recent)
		sb.WriteString("</recent>\n")
	}

	sb.WriteString("<user>")
	sb.WriteString(userMessage)
	sb.WriteString("</user>")
	return sb.String()
}

func (b *Builder) renderPlain(summary string, recent []types.Message, groups []types.ContextGroup, userMessage string) string {
	var sb strings.Builder

	sb.WriteString("System:\n")
	sb.WriteString(b.system)
	sb.WriteString("\n\n")

	if summary != "" {
		sb.WriteString("Summary of earlier conversation:\n")
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Retrieved context:\n")
	writeGroups(&sb, groups)
	sb.WriteString("\n")

	if len(recent) > 0 {
		sb.WriteString("Recent conversation:\n")
		writeRecent(&sb, recent)
		sb.WriteString("\n")
	}

	sb.WriteString("User: ")
	sb.WriteString(userMessage)
	return sb.String()
}

// writeGroups renders one block per context group, oldest first
func writeGroups(sb *strings.Builder, groups []types.ContextGroup) {
	for i := range groups {
		fmt.Fprintf(sb, "[group %d, t=%s] %s\n",
			i+1, groups[i].EarliestTimestamp.Format(time.RFC3339), groups[i].CombinedText())
	}
}

// writeRecent renders role-tagged lines, oldest first
func writeRecent(sb *strings.Builder, recent []types.Message) {
	for i := range recent {
		fmt.Fprintf(sb, "%s: %s\n", recent[i].Role, recent[i].Content)
	}
}
