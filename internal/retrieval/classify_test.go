package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		localDocs int
		web       bool
		mode      Mode
	}{
		{"large corpus is research", "summarize the documents", 15, false, ModeResearch},
		{"small corpus is one shot", "summarize the documents", 3, false, ModeOneShot},
		{"no corpus means web", "how do goroutines work", 0, true, ModeOneShot},
		{"recency marker", "what is the latest Go release", 3, true, ModeOneShot},
		{"url", "read https://go.dev/blog/ please", 3, true, ModeOneShot},
		{"research marker", "compare sqlite and postgres", 2, false, ModeResearch},
		{"marker needs word boundary", "the newsletter archive", 2, false, ModeOneShot},
		{"vs as a word", "tabs vs spaces", 2, false, ModeResearch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Classify(tt.query, tt.localDocs, 10)
			assert.Equal(t, tt.web, p.WebIntent)
			assert.Equal(t, tt.mode, p.Mode)
			assert.Equal(t, tt.localDocs > 0, p.LocalIntent)
			assert.NotEmpty(t, p.Reasons)
		})
	}
}

func TestExtractURLs(t *testing.T) {
	got := ExtractURLs("see https://a.example/x. and (http://b.example/y?q=1), again https://a.example/x")
	assert.Equal(t, []string{"https://a.example/x", "http://b.example/y?q=1"}, got)
	assert.Empty(t, ExtractURLs("no links"))
}
