package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// MarkdownText reduces a markdown document to plain text with one blank line
// between blocks. The title is the first level-one heading, else the first
// heading of any level.
func MarkdownText(src []byte) (title, body string) {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var (
		b          blockWriter
		heading    strings.Builder
		inHeading  bool
		titleLevel int
	)
	out := func(s string) {
		b.WriteString(s)
		if inHeading {
			heading.WriteString(s)
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				b.separate()
				inHeading = true
				heading.Reset()
				return ast.WalkContinue, nil
			}
			inHeading = false
			h := strings.TrimSpace(heading.String())
			if h != "" && (titleLevel == 0 || (node.Level == 1 && titleLevel != 1)) {
				title, titleLevel = h, node.Level
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.separate()
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					out(string(seg.Value(src)))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				out(string(node.Segment.Value(src)))
				if node.SoftLineBreak() || node.HardLineBreak() {
					out("\n")
				}
			}
		case *ast.String:
			if entering {
				out(string(node.Value))
			}
		case *ast.AutoLink:
			if entering {
				out(string(node.Label(src)))
			}
		case *ast.Paragraph, *ast.TextBlock, *ast.ThematicBreak:
			if entering {
				b.separate()
			}
		}
		return ast.WalkContinue, nil
	})

	return title, strings.TrimSpace(b.String())
}

// blockWriter tracks trailing newlines so blocks get exactly one blank
// line between them.
type blockWriter struct {
	strings.Builder
	trailing int
}

func (w *blockWriter) WriteString(s string) {
	if s == "" {
		return
	}
	w.Builder.WriteString(s)
	n := len(s) - len(strings.TrimRight(s, "\n"))
	if n == len(s) {
		w.trailing += n
	} else {
		w.trailing = n
	}
}

// separate ends the current block with a blank line.
func (w *blockWriter) separate() {
	if w.Len() == 0 || w.trailing >= 2 {
		return
	}
	w.WriteString(strings.Repeat("\n", 2-w.trailing))
}
