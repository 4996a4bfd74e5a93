package parse

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skipElements = map[atom.Atom]struct{}{
	atom.Script:   {},
	atom.Style:    {},
	atom.Noscript: {},
	atom.Template: {},
	atom.Head:     {},
}

var blockElements = map[atom.Atom]struct{}{
	atom.P:          {},
	atom.Div:        {},
	atom.Section:    {},
	atom.Article:    {},
	atom.Li:         {},
	atom.Br:         {},
	atom.H1:         {},
	atom.H2:         {},
	atom.H3:         {},
	atom.H4:         {},
	atom.H5:         {},
	atom.H6:         {},
	atom.Blockquote: {},
	atom.Tr:         {},
}

// FallbackText extracts visible text from a parsed document when the
// readability engine yields nothing. Block-level elements become paragraph
// breaks.
func FallbackText(root *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skipElements[n.DataAtom]; skip {
				return
			}
			if _, block := blockElements[n.DataAtom]; block {
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			if _, block := blockElements[n.DataAtom]; block {
				b.WriteString("\n")
			}
		}
	}
	walk(root)
	return normalizeWhitespace(b.String())
}

// normalizeWhitespace collapses runs of spaces and tabs and trims each line,
// keeping at most one blank line between paragraphs.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.Join(strings.Fields(line), " ")
		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// TruncateAtWord cuts text to at most max runes, backing up to the previous
// word boundary and appending an ellipsis. Text within the limit is returned
// unchanged.
func TruncateAtWord(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	if idx := lastSpace(cut); idx > 0 {
		cut = cut[:idx]
	} else {
		// No word boundary; make room for the ellipsis.
		cut = cut[:max-1]
	}
	return strings.TrimRight(string(cut), " \t\n") + "…"
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case ' ', '\t', '\n':
			return i
		}
	}
	return -1
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
