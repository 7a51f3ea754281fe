package channels

import (
	"strings"
	"unicode"
)

// Chunker splits long messages to a network's size limit, preferring
// paragraph breaks, then line breaks, then word boundaries.
type Chunker struct {
	MaxSize int
}

// NewChunker creates a chunker for the given limit.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = 2000
	}
	return &Chunker{MaxSize: maxSize}
}

// Chunk splits text into pieces no longer than MaxSize.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > c.MaxSize {
		idx := c.breakPoint(remaining)
		chunk := strings.TrimRightFunc(remaining[:idx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[idx:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func (c *Chunker) breakPoint(text string) int {
	window := text[:c.MaxSize]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return c.MaxSize
}
