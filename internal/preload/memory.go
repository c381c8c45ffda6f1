package preload

import (
	"context"
	"strings"

	"ragent/internal/logging"
)

// memoryMarkers suggest the answer depends on who is asking.
var memoryMarkers = []string{
	"my", "me", "mine", "i", "i'm", "i've", "i'd", "myself",
	"remember", "prefer", "preference", "recommend", "for us", "our",
}

const memorySystemPrompt = `Decide whether answering the user's message would benefit from facts about the user
(preferences, location, projects, history). Reply with only "yes" or "no".`

// wantsMemory decides whether stored user facts are relevant to the query.
// The llm mode asks the model and falls back to the marker check on failure.
func (r *run) wantsMemory(ctx context.Context) bool {
	deterministic := hasMemoryMarker(r.query)
	if r.p.deps.Retrieval.MemoryMode != "llm" || r.p.deps.Completer == nil {
		return deterministic
	}
	reply, err := r.p.deps.Completer.Complete(ctx, memorySystemPrompt, r.query, 3)
	if err != nil {
		logging.PreloadWarn("Memory check failed, using markers: %v", err)
		return deterministic
	}
	switch answer := strings.ToLower(strings.TrimSpace(reply)); {
	case strings.HasPrefix(answer, "yes"):
		return true
	case strings.HasPrefix(answer, "no"):
		return false
	default:
		return deterministic
	}
}

func hasMemoryMarker(query string) bool {
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	}) {
		for _, m := range memoryMarkers {
			if w == m {
				return true
			}
		}
	}
	lower := strings.ToLower(query)
	for _, m := range memoryMarkers {
		if strings.Contains(m, " ") && strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
