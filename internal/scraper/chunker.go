package scraper

import (
	"strings"
	"unicode"
)

const (
	// maxChunkChars bounds a chunk; larger heading sections are split
	// again by size.
	maxChunkChars = 2000

	// minChunkChars filters fragments too small to embed usefully.
	minChunkChars = 200

	// chunkOverlap is carried from the tail of one size-split chunk
	// into the next so no statement loses its surrounding context.
	chunkOverlap = 200
)

// ChunkMarkdown splits a Markdown document into embedding-sized
// chunks. It cuts at H1/H2 headings first so chunks follow the
// document's own structure, then splits oversized sections by
// paragraph with overlap. Fenced code blocks are never cut at a
// heading that appears inside them.
func ChunkMarkdown(content string) []string {
	var chunks []string
	for _, section := range splitSections(content) {
		section = strings.TrimSpace(section)
		if len(section) < minChunkChars {
			continue
		}
		if len(section) <= maxChunkChars {
			chunks = append(chunks, section)
			continue
		}
		for _, sub := range splitBySize(section) {
			sub = strings.TrimSpace(sub)
			if len(sub) >= minChunkChars {
				chunks = append(chunks, sub)
			}
		}
	}
	return chunks
}

// splitSections cuts the document at H1/H2 heading lines, keeping each
// heading with the text below it.
func splitSections(content string) []string {
	lines := strings.Split(content, "\n")

	var (
		sections []string
		current  strings.Builder
		inFence  bool
	)

	flush := func() {
		if current.Len() > 0 {
			sections = append(sections, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence && isSectionHeading(trimmed) {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	return sections
}

func isSectionHeading(line string) bool {
	return strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ")
}

// splitBySize packs paragraphs into chunks up to maxChunkChars,
// seeding each new chunk with the tail of the previous one.
func splitBySize(text string) []string {
	paragraphs := strings.Split(text, "\n\n")

	var (
		chunks  []string
		current strings.Builder
	)

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(para) > maxChunkChars {
			chunks = append(chunks, current.String())
			current.Reset()
			if tail := overlapTail(chunks[len(chunks)-1]); tail != "" {
				current.WriteString(tail)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)

		// A single paragraph can exceed the budget on its own.
		for current.Len() > maxChunkChars {
			buf := current.String()
			cut := breakPoint(buf[:maxChunkChars])
			chunks = append(chunks, buf[:cut])
			current.Reset()
			current.WriteString(strings.TrimLeft(buf[cut:], " "))
		}
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// overlapTail returns the last chunkOverlap characters of a chunk,
// advanced to a word boundary.
func overlapTail(chunk string) string {
	if len(chunk) <= chunkOverlap {
		return chunk
	}
	tail := chunk[len(chunk)-chunkOverlap:]
	if idx := strings.IndexAny(tail, " \t\n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}

// breakPoint finds where to cut an oversized run of text, preferring a
// sentence end, then any whitespace in the back half.
func breakPoint(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			if i == len(text)-1 || unicode.IsSpace(rune(text[i+1])) {
				return i + 1
			}
		}
	}
	for i := len(text) - 1; i >= len(text)/2; i-- {
		if unicode.IsSpace(rune(text[i])) {
			return i
		}
	}
	return len(text)
}
