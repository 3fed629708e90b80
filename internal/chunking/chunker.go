// Package chunking splits message text into bounded, overlapping fragments
// suitable for embedding and retrieval.
package chunking

import (
	"strings"
	"unicode"

	"lerian-timeline-engine/internal/config"
)

// Chunker produces deterministic overlapping fragments of a text
type Chunker struct {
	maxChars     int
	overlapChars int
}

// NewChunker creates a chunker from configuration
func NewChunker(cfg *config.ChunkingConfig) *Chunker {
	return &Chunker{
		maxChars:     cfg.MaxChars,
		overlapChars: cfg.OverlapChars,
	}
}

// Split breaks text into ordered fragments of at most maxChars runes.
// Consecutive fragments share the last overlapChars runes of the previous
// fragment as a prefix, except at the end of the text. Fragment boundaries
// prefer whitespace where one is close enough; boundary whitespace is
// trimmed. Empty or blank input yields no fragments. The same input always
// produces the same fragments.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	if len(strings.TrimSpace(text)) == 0 {
		return nil
	}
	if len(runes) <= c.maxChars {
		return []string{strings.TrimSpace(text)}
	}

	var fragments []string
	start := 0
	for start < len(runes) {
		end := start + c.maxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = c.breakpoint(runes, start, end)
		}

		fragment := strings.TrimSpace(string(runes[start:end]))
		if fragment != "" {
			fragments = append(fragments, fragment)
		}

		if end >= len(runes) {
			break
		}

		next := end - c.overlapChars
		if next <= start {
			// Overlap would stall the scan; force forward progress.
			next = start + 1
		}
		start = next
	}

	return fragments
}

// breakpoint backtracks from the hard limit to the nearest whitespace so
// fragments end on word boundaries when possible. It never backtracks past
// the midpoint of the fragment.
func (c *Chunker) breakpoint(runes []rune, start, hardEnd int) int {
	floor := start + (hardEnd-start)/2
	for i := hardEnd; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return hardEnd
}

// EstimateTokens approximates the token count of a text as ceil(len/4)
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
