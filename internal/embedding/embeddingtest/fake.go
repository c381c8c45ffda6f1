// Package embeddingtest provides a deterministic embedding engine for tests.
package embeddingtest

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Vocab embeds text as the count of each vocabulary word it contains,
// plus a constant dimension so that no vector is all zeros.
type Vocab struct {
	Words []string
	Err   error // returned by every call when set

	mu    sync.Mutex
	calls int
	texts int
}

// NewVocab returns an engine over words.
func NewVocab(words ...string) *Vocab { return &Vocab{Words: words} }

func (v *Vocab) vector(text string) []float32 {
	lower := strings.ToLower(text)
	vec := make([]float32, len(v.Words)+1)
	for i, w := range v.Words {
		vec[i] = float32(strings.Count(lower, strings.ToLower(w)))
	}
	vec[len(v.Words)] = 0.01
	return vec
}

func (v *Vocab) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text")
	}
	vecs, err := v.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (v *Vocab) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.Err != nil {
		return nil, v.Err
	}
	var out [][]float32
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		out = append(out, v.vector(t))
	}
	v.mu.Lock()
	v.texts += len(out)
	v.mu.Unlock()
	return out, nil
}

func (v *Vocab) IsAvailable(context.Context) bool { return v.Err == nil }

func (v *Vocab) Name() string { return "vocab-test" }

// Calls returns how many batch calls were made.
func (v *Vocab) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// Texts returns how many texts were embedded.
func (v *Vocab) Texts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.texts
}
