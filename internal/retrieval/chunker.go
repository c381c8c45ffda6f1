// Package retrieval holds the query-side building blocks of grounding:
// chunking, keyphrase extraction, query expansion, classification and
// candidate scoring.
package retrieval

import (
	"strings"
	"unicode"
)

// Chunk is a contiguous slice of normalized text. Start is a rune offset.
type Chunk struct {
	Index int
	Start int
	Text  string
}

// ChunkText splits text into overlapping chunks of at most target runes.
// Whitespace runs are collapsed first. Cuts prefer the end of a sentence
// found in the last fifth of the window; each next chunk starts overlap
// runes before the previous end but always after the previous start.
func ChunkText(text string, target, overlap int) []Chunk {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if target <= 0 || n <= target {
		return []Chunk{{Index: 0, Start: 0, Text: string(runes)}}
	}
	if overlap < 0 {
		overlap = 0
	}
	minCut := int(0.8 * float64(target))

	var chunks []Chunk
	start := 0
	for start < n {
		end := start + target
		if end > n {
			end = n
		}
		if end < n {
			end = sentenceCut(runes, start, end, start+minCut)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Start: start, Text: string(runes[start:end])})
		if end >= n {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// sentenceCut searches backward from end for sentence-ending punctuation
// followed by whitespace, which may sit one rune past end. It returns the
// index just after the punctuation, or end when there is none at or beyond
// floor.
func sentenceCut(runes []rune, start, end, floor int) int {
	for i := end - 1; i >= floor && i > start; i-- {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			return i + 1
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
