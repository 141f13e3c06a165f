package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraph(word string, chars int) string {
	var b strings.Builder
	for b.Len() < chars {
		b.WriteString(word)
		b.WriteString(" ")
	}
	return strings.TrimSpace(b.String()) + "."
}

func TestChunkMarkdown_SplitsAtHeadings(t *testing.T) {
	content := "## Rate limits\n\n" + paragraph("limit", 300) +
		"\n\n## Authentication\n\n" + paragraph("token", 300)

	chunks := ChunkMarkdown(content)

	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], "## Rate limits"))
	assert.True(t, strings.HasPrefix(chunks[1], "## Authentication"))
}

func TestChunkMarkdown_DropsSmallSections(t *testing.T) {
	content := "## Stub\n\ntoo short\n\n## Real\n\n" + paragraph("content", 300)

	chunks := ChunkMarkdown(content)

	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0], "## Real"))
}

func TestChunkMarkdown_SplitsOversizedSections(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Endpoints\n\n")
	for range 8 {
		b.WriteString(paragraph("endpoint", 800))
		b.WriteString("\n\n")
	}

	chunks := ChunkMarkdown(b.String())

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), maxChunkChars, "chunk %d over budget", i)
		assert.GreaterOrEqual(t, len(c), minChunkChars, "chunk %d under minimum", i)
	}
	// Later chunks carry overlap from their predecessor.
	tail := overlapTail(chunks[0])
	require.NotEmpty(t, tail)
	assert.True(t, strings.HasPrefix(chunks[1], tail))
}

func TestChunkMarkdown_KeepsCodeFencesIntact(t *testing.T) {
	content := "## Example\n\n" + paragraph("intro", 250) + "\n\n" +
		"```bash\n# comment inside a fence, not a heading\ncurl https://api.example.com\n```\n"

	chunks := ChunkMarkdown(content)

	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "# comment inside a fence, not a heading")
}

func TestBreakPointPrefersSentenceEnd(t *testing.T) {
	text := "First sentence. Second part without terminal punctuation"
	cut := breakPoint(text)
	assert.Equal(t, "First sentence.", text[:cut])
}
