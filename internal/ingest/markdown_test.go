package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownText(t *testing.T) {
	src := []byte("# Title\n\nIntro paragraph with *emphasis* and `code`.\n\n## Section\n\n- item one\n- item two\n\n```go\nfmt.Println(1)\n```\n\n<div>raw html</div>\n")

	title, body := MarkdownText(src)
	assert.Equal(t, "Title", title)
	assert.Contains(t, body, "Title\n\nIntro paragraph with emphasis and code.")
	assert.Contains(t, body, "Section")
	assert.Contains(t, body, "item one")
	assert.Contains(t, body, "item two")
	assert.Contains(t, body, "fmt.Println(1)")
	assert.NotContains(t, body, "<div>")
	assert.NotContains(t, body, "\n\n\n")
}

func TestMarkdownText_PrefersLevelOneHeading(t *testing.T) {
	title, _ := MarkdownText([]byte("## Sub\n\ntext\n\n# Main\n\nmore\n"))
	assert.Equal(t, "Main", title)

	title, _ = MarkdownText([]byte("### Only\n\ntext\n"))
	assert.Equal(t, "Only", title)

	title, body := MarkdownText([]byte("no headings here\n"))
	assert.Empty(t, title)
	assert.Equal(t, "no headings here", body)
}
