package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"lerian-timeline-engine/internal/config"
)

func newTestChunker(maxChars, overlapChars int) *Chunker {
	return NewChunker(&config.ChunkingConfig{
		MaxChars:     maxChars,
		OverlapChars: overlapChars,
	})
}

func TestChunker_Split(t *testing.T) {
	tests := []struct {
		name     string
		maxChars int
		overlap  int
		input    string
		expected []string
	}{
		{
			name:     "empty input",
			maxChars: 100,
			overlap:  10,
			input:    "",
			expected: nil,
		},
		{
			name:     "whitespace only",
			maxChars: 100,
			overlap:  10,
			input:    "   \n\t  ",
			expected: nil,
		},
		{
			name:     "short text single fragment",
			maxChars: 100,
			overlap:  10,
			input:    "hello world",
			expected: []string{"hello world"},
		},
		{
			name:     "trims boundary whitespace",
			maxChars: 100,
			overlap:  10,
			input:    "  hello world  ",
			expected: []string{"hello world"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunker := newTestChunker(tt.maxChars, tt.overlap)
			assert.Equal(t, tt.expected, chunker.Split(tt.input))
		})
	}
}

func TestChunker_Split_RespectsMaxChars(t *testing.T) {
	chunker := newTestChunker(50, 10)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)

	fragments := chunker.Split(text)

	assert.NotEmpty(t, fragments)
	for i, f := range fragments {
		assert.LessOrEqualf(t, len([]rune(f)), 50, "fragment %d exceeds max chars", i)
		assert.NotEmpty(t, strings.TrimSpace(f))
	}
}

func TestChunker_Split_OverlapPrefix(t *testing.T) {
	// Unbroken text forces hard cuts, so the overlap is exact.
	chunker := newTestChunker(20, 5)
	text := strings.Repeat("abcdefghij", 10)

	fragments := chunker.Split(text)

	assert.Greater(t, len(fragments), 1)
	for i := 1; i < len(fragments); i++ {
		prev := []rune(fragments[i-1])
		tail := string(prev[len(prev)-5:])
		assert.Truef(t, strings.HasPrefix(fragments[i], tail),
			"fragment %d does not start with the previous fragment's tail", i)
	}
}

func TestChunker_Split_PrefersWordBoundaries(t *testing.T) {
	chunker := newTestChunker(30, 5)
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa"

	fragments := chunker.Split(text)

	assert.Greater(t, len(fragments), 1)
	for i, f := range fragments {
		assert.Falsef(t, strings.HasSuffix(f, " "), "fragment %d has trailing space", i)
		assert.Falsef(t, strings.HasPrefix(f, " "), "fragment %d has leading space", i)
	}
}

func TestChunker_Split_Deterministic(t *testing.T) {
	chunker := newTestChunker(50, 10)
	text := strings.Repeat("conversation memory retrieval with overlapping chunks ", 15)

	first := chunker.Split(text)
	second := chunker.Split(text)

	assert.Equal(t, first, second)
}

func TestChunker_Split_CoversWholeText(t *testing.T) {
	chunker := newTestChunker(25, 5)
	text := "one two three four five six seven eight nine ten eleven twelve"

	fragments := chunker.Split(text)

	joined := strings.Join(fragments, " ")
	for _, word := range strings.Fields(text) {
		assert.Containsf(t, joined, word, "word %q lost during chunking", word)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 100), 25},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, EstimateTokens(tt.input), tt.input)
	}
}
