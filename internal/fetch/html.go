package fetch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// Document is HTML reduced to markdown.
type Document struct {
	Title   string
	Content string
	Links   []string
}

// Convert parses htmlContent and renders its readable parts as markdown.
// Relative links are resolved against baseURL.
func Convert(htmlContent, baseURL string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(baseURL)

	c := &converter{base: base, seen: make(map[string]bool)}
	c.walk(root, 0)

	return &Document{
		Title:   c.title,
		Content: cleanMarkdown(c.sb.String()),
		Links:   c.links,
	}, nil
}

type converter struct {
	sb    strings.Builder
	base  *url.URL
	title string
	links []string
	seen  map[string]bool
}

func (c *converter) walk(n *html.Node, depth int) {
	if depth > 200 {
		return
	}

	var href string
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			c.sb.WriteString(text)
			c.sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "form":
			return
		case "title":
			if c.title == "" {
				c.title = strings.Join(strings.Fields(textContent(n)), " ")
			}
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			c.sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		case "p", "div", "section", "article", "table":
			c.sb.WriteString("\n\n")
		case "br", "tr":
			c.sb.WriteString("\n")
		case "li":
			c.sb.WriteString("\n- ")
		case "code":
			c.sb.WriteString("`")
		case "pre":
			c.sb.WriteString("\n\n```\n")
		case "strong", "b":
			c.sb.WriteString("**")
		case "em", "i":
			c.sb.WriteString("*")
		case "a":
			href = c.resolve(attr(n, "href"))
			if href != "" {
				c.sb.WriteString("[")
				if !c.seen[href] {
					c.seen[href] = true
					c.links = append(c.links, href)
				}
			}
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				c.sb.WriteString(fmt.Sprintf("[Image: %s]", alt))
			}
			return
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walk(child, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			c.sb.WriteString("\n\n")
		case "code":
			c.sb.WriteString("`")
		case "pre":
			c.sb.WriteString("\n```\n\n")
		case "strong", "b":
			c.sb.WriteString("**")
		case "em", "i":
			c.sb.WriteString("*")
		case "a":
			if href != "" {
				c.sb.WriteString(fmt.Sprintf("](%s)", href))
			}
		}
	}
}

// resolve returns the absolute http(s) form of href, or "" for anchors,
// javascript: and other schemes.
func (c *converter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if c.base != nil {
		u = c.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

// cleanMarkdown collapses runs of blank lines and spaces.
func cleanMarkdown(s string) string {
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	s = multiSpacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
