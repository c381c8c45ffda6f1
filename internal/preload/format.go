package preload

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"ragent/internal/retrieval"
)

const (
	contextHeader  = "# Preloaded context\nThe following material was retrieved for the user's question. Cite sources by URL.\n"
	truncateMarker = "\n[truncated]"
)

// format renders facts and ranked candidates within the character budget.
// Facts go first. Candidates are added best first; the first one that does
// not fit is truncated to the remaining space and everything after it is
// dropped.
func (r *run) format() {
	st := &r.res.Stats
	budget := r.p.deps.Context.PreloadBudgetChars()
	st.BudgetChars = budget
	if len(r.res.Facts) == 0 && len(r.res.Candidates) == 0 {
		return
	}
	minTruncated := r.p.deps.Context.PreloadMinTruncated

	var b strings.Builder
	used := 0
	write := func(s string) {
		b.WriteString(s)
		used += utf8.RuneCountInString(s)
	}
	write(contextHeader)

	factsWritten := false
	if len(r.res.Facts) > 0 {
		var fb strings.Builder
		fb.WriteString("\n## Known facts about the user\n")
		for _, f := range r.res.Facts {
			fmt.Fprintf(&fb, "- %s\n", f)
		}
		if s := fb.String(); used+utf8.RuneCountInString(s) <= budget {
			write(s)
			factsWritten = true
		} else {
			r.warn("user facts exceed the preload budget")
		}
	}

	for i, c := range r.res.Candidates {
		head := blockHeader(c)
		body := candidateBody(c)
		block := head + body + "\n"
		size := utf8.RuneCountInString(block)
		if used+size <= budget {
			write(block)
			st.Included++
			continue
		}

		room := budget - used - utf8.RuneCountInString(head) - utf8.RuneCountInString(truncateMarker) - 1
		if room >= minTruncated && room > 0 {
			write(head + truncateRunes(body, room) + truncateMarker + "\n")
			st.Included++
			st.Truncated++
			st.Dropped += len(r.res.Candidates) - i - 1
		} else {
			st.Dropped += len(r.res.Candidates) - i
		}
		break
	}

	if st.Included == 0 && !factsWritten {
		return
	}
	r.res.Context = strings.TrimRight(b.String(), "\n")
	st.ContextChars = utf8.RuneCountInString(r.res.Context)
}

func blockHeader(c retrieval.Candidate) string {
	title := c.Title
	if title == "" {
		title = c.URL
	}
	return fmt.Sprintf("\n## [%d] %s\nSource: %s (%s)\n\n", c.Rank, title, c.URL, c.SourceType)
}

func candidateBody(c retrieval.Candidate) string {
	if t := strings.TrimSpace(c.Text); t != "" {
		return t
	}
	return strings.TrimSpace(c.Snippet)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
