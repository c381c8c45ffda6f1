package retrieval

import (
	"regexp"
	"strings"
)

// Mode is how the preload pipeline gathers local evidence.
type Mode string

const (
	// ModeOneShot hands whole local documents to the model.
	ModeOneShot Mode = "one_shot"
	// ModeResearch ranks chunk hits from the vector store.
	ModeResearch Mode = "research"
)

// Plan is the outcome of classifying a query.
type Plan struct {
	WebIntent   bool
	LocalIntent bool
	Mode        Mode
	URLs        []string // URLs named in the query
	Reasons     []string
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

var recencyMarkers = []string{
	"latest", "news", "today", "current", "currently", "recent", "recently",
	"this week", "this month", "this year", "right now", "breaking", "update",
	"yesterday", "tonight", "upcoming", "price of", "weather",
}

var researchMarkers = []string{
	"compare", "comparison", "analyze", "analyse", "analysis", "in depth",
	"in-depth", "comprehensive", "thorough", "research", "investigate",
	"pros and cons", "trade-off", "tradeoff", "survey", "evaluate", "versus", "vs",
}

// ExtractURLs returns the http(s) URLs in text, in order, without trailing
// sentence punctuation.
func ExtractURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range urlPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// Classify decides web intent and the local gathering mode. localDocs is the
// number of documents in the local corpus.
func Classify(query string, localDocs, smallCorpusThreshold int) Plan {
	lower := " " + strings.ToLower(query) + " "
	p := Plan{Mode: ModeOneShot, LocalIntent: localDocs > 0, URLs: ExtractURLs(query)}

	switch {
	case len(p.URLs) > 0:
		p.WebIntent = true
		p.Reasons = append(p.Reasons, "query names a URL")
	case containsAny(lower, recencyMarkers) != "":
		p.WebIntent = true
		p.Reasons = append(p.Reasons, "recency marker "+containsAny(lower, recencyMarkers))
	case localDocs == 0:
		p.WebIntent = true
		p.Reasons = append(p.Reasons, "no local corpus")
	}

	if localDocs > smallCorpusThreshold {
		p.Mode = ModeResearch
		p.Reasons = append(p.Reasons, "local corpus larger than small-corpus threshold")
	} else if m := containsAny(lower, researchMarkers); m != "" {
		p.Mode = ModeResearch
		p.Reasons = append(p.Reasons, "research marker "+m)
	} else {
		p.Reasons = append(p.Reasons, "one-shot: small corpus and no research markers")
	}
	return p
}

// containsAny returns the first marker found as a whole phrase in lower.
func containsAny(lower string, markers []string) string {
	for _, m := range markers {
		idx := strings.Index(lower, m)
		for idx >= 0 {
			before := idx == 0 || !isWordByte(lower[idx-1])
			after := idx+len(m) >= len(lower) || !isWordByte(lower[idx+len(m)])
			if before && after {
				return m
			}
			next := strings.Index(lower[idx+1:], m)
			if next < 0 {
				break
			}
			idx += 1 + next
		}
	}
	return ""
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}
