package retrieval

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords delimit RAKE candidate phrases.
var stopwords = toSet(
	"a", "about", "above", "after", "again", "against", "all", "also", "am", "an", "and", "any",
	"are", "as", "at", "be", "because", "been", "before", "being", "below", "between", "both",
	"but", "by", "can", "could", "did", "do", "does", "doing", "down", "during", "each", "else",
	"every", "few", "for", "from", "further", "get", "give", "had", "has", "have", "having", "he",
	"her", "here", "hers", "him", "his", "how", "i", "if", "in", "into", "is", "it", "its",
	"itself", "just", "know", "let", "me", "might", "more", "most", "must", "my", "no", "nor",
	"not", "now", "of", "off", "on", "once", "only", "or", "other", "our", "ours", "out", "over",
	"own", "please", "same", "shall", "she", "should", "show", "so", "some", "such", "tell",
	"than", "that", "the", "their", "theirs", "them", "then", "there", "these", "they", "this",
	"those", "through", "to", "too", "under", "until", "up", "us", "very", "want", "was", "we",
	"were", "what", "when", "where", "which", "while", "who", "whom", "why", "will", "with",
	"would", "you", "your", "yours",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// ExtractKeyphrases returns up to max RAKE keyphrases of text, best first.
// Phrases are lowercase runs of non-stopwords between punctuation; each is
// scored by the sum of its words' degree/frequency ratios.
func ExtractKeyphrases(text string, max int) []string {
	phrases := candidatePhrases(text)
	if len(phrases) == 0 {
		return nil
	}

	freq := make(map[string]int)
	degree := make(map[string]int)
	for _, p := range phrases {
		for _, w := range p {
			freq[w]++
			degree[w] += len(p)
		}
	}

	type scored struct {
		text  string
		score float64
		first int
	}
	seen := make(map[string]int)
	var out []scored
	for i, p := range phrases {
		key := strings.Join(p, " ")
		if _, ok := seen[key]; ok {
			continue
		}
		var s float64
		for _, w := range p {
			s += float64(degree[w]) / float64(freq[w])
		}
		seen[key] = i
		out = append(out, scored{text: key, score: s, first: i})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].first < out[j].first
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	result := make([]string, len(out))
	for i, s := range out {
		result[i] = s.text
	}
	return result
}

func candidatePhrases(text string) [][]string {
	var phrases [][]string
	var current []string
	var word strings.Builder

	flushPhrase := func() {
		if len(current) > 0 {
			phrases = append(phrases, current)
			current = nil
		}
	}
	flushWord := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.Trim(word.String(), "-_'")
		word.Reset()
		if len([]rune(w)) < 2 || stopwords[w] {
			flushPhrase()
			return
		}
		current = append(current, w)
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '\'':
			word.WriteRune(r)
		case unicode.IsSpace(r):
			flushWord()
		default:
			flushWord()
			flushPhrase()
		}
	}
	flushWord()
	flushPhrase()
	return phrases
}
