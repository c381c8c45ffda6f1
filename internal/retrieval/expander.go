package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"ragent/internal/config"
	"ragent/internal/logging"
)

// Completer runs one small prompt against the chat model.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Expansion modes.
const (
	ExpandDeterministic = "deterministic"
	ExpandLLM           = "llm"
)

// Expander decomposes a query into sub-queries.
type Expander struct {
	Mode       string
	Completer  Completer // required for ExpandLLM
	MaxQueries int      // including the original
	MinChars   int      // shorter queries are not expanded
	MaxTokens  int      // budget of the LLM call
}

// NewExpander builds an Expander from retrieval settings.
func NewExpander(cfg config.RetrievalConfig, c Completer) *Expander {
	return &Expander{
		Mode:       cfg.ExpansionMode,
		Completer:  c,
		MaxQueries: cfg.MaxSubQueries,
		MinChars:   cfg.MinExpansionChars,
		MaxTokens:  cfg.ExpansionMaxTokens,
	}
}

const expansionSystemPrompt = `You break a research question into focused web search queries.
Reply with only a JSON array of strings.`

// Expand returns the query followed by up to MaxQueries-1 sub-queries. The
// LLM mode falls back to the deterministic one on any failure.
func (e *Expander) Expand(ctx context.Context, query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if e.MaxQueries <= 1 || utf8.RuneCountInString(query) < e.MinChars {
		return []string{query}
	}

	if e.Mode == ExpandLLM && e.Completer != nil {
		subs, err := e.expandLLM(ctx, query)
		if err == nil && len(subs) > 0 {
			return e.assemble(query, subs)
		}
		if err == nil {
			err = fmt.Errorf("no sub-questions in reply")
		}
		logging.RetrievalWarn("LLM query expansion failed, using keyphrases: %v", err)
	}
	return e.assemble(query, e.deterministic(query))
}

// deterministic groups the query's keyphrases three at a time.
func (e *Expander) deterministic(query string) []string {
	phrases := ExtractKeyphrases(query, 3*(e.MaxQueries-1))
	var subs []string
	for i := 0; i < len(phrases); i += 3 {
		end := i + 3
		if end > len(phrases) {
			end = len(phrases)
		}
		subs = append(subs, strings.Join(phrases[i:end], " "))
	}
	return subs
}

func (e *Expander) expandLLM(ctx context.Context, query string) ([]string, error) {
	n := e.MaxQueries - 1
	lo := 2
	if n < lo {
		lo = n
	}
	prompt := fmt.Sprintf("Question: %s\n\nWrite between %d and %d distinct sub-questions that together cover it.", query, lo, n)
	maxTokens := e.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	reply, err := e.Completer.Complete(ctx, expansionSystemPrompt, prompt, maxTokens)
	if err != nil {
		return nil, err
	}
	raw, ok := FirstJSONArray(reply)
	if !ok {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var subs []string
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		return nil, fmt.Errorf("decode sub-questions: %w", err)
	}
	return subs, nil
}

// assemble puts the original first and drops blanks, case-insensitive
// duplicates and anything past MaxQueries.
func (e *Expander) assemble(query string, subs []string) []string {
	out := []string{query}
	seen := map[string]bool{strings.ToLower(query): true}
	for _, s := range subs {
		s = strings.Join(strings.Fields(s), " ")
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) >= e.MaxQueries {
			break
		}
	}
	return out
}

// FirstJSONArray returns the first balanced [...] in s, skipping brackets
// inside JSON strings.
func FirstJSONArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
