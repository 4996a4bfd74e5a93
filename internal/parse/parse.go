// Package parse turns fetched HTML bytes into a normalized document: decoded
// text, head metadata, JSON-LD blocks, and priority-assembled title, author,
// and date fields. Everything downstream reads from the Parsed struct, never
// from raw bytes.
package parse

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/pressindex/collector/internal/model"
)

// Parser is the parse stage. MaxTextChars bounds the readable text kept in
// memory; zero means no truncation.
type Parser struct {
	MaxTextChars int
}

// Parse decodes and parses one fetched document. The content type header is
// used for charset detection only.
func (p *Parser) Parse(pageURL string, body []byte, contentType string) (*model.Parsed, error) {
	text, err := decodeBody(body, contentType)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", pageURL, err)
	}

	root, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	parsed := &model.Parsed{
		URL:          pageURL,
		MetaTags:     map[string]string{},
		OriginalHTML: text,
	}

	collectHead(root, parsed)
	parsed.JSONLDBlocks = collectJSONLD(root)
	parsed.Title = chooseTitle(parsed)
	parsed.AuthorNames = collectAuthorNames(parsed)
	parsed.DatePublished = choosePublishedAt(parsed, root)

	parsed.Text = readableText(pageURL, text, root)
	if p.MaxTextChars > 0 {
		parsed.Text = TruncateAtWord(parsed.Text, p.MaxTextChars)
	}
	return parsed, nil
}

// Meta tag keys consulted for each assembled field, in priority order.
var (
	TitleMetaKeys  = []string{"og:title", "twitter:title"}
	AuthorMetaKeys = []string{"author", "article:author", "og:article:author"}
	DateMetaKeys   = []string{"article:published_time", "pubdate", "publish-date", "dc.date", "date"}
)

// chooseTitle picks the title by priority: JSON-LD headline or name, OG and
// Twitter meta tags, then the html title.
func chooseTitle(parsed *model.Parsed) string {
	if block, ok := BestArticleBlock(parsed.JSONLDBlocks); ok {
		for _, key := range []string{"headline", "name"} {
			if value := StringField(block, key); value != "" {
				return value
			}
		}
	}
	for _, key := range TitleMetaKeys {
		if value := parsed.MetaTags[key]; value != "" {
			return value
		}
	}
	return parsed.HTMLTitle
}

// collectAuthorNames merges author hints from JSON-LD and author meta tags.
// Multi-author values are split; order of first appearance is preserved and
// duplicates are dropped.
func collectAuthorNames(parsed *model.Parsed) []string {
	var names []string
	seen := map[string]struct{}{}
	add := func(raw string) {
		for _, name := range SplitAuthorList(raw) {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	if block, ok := BestArticleBlock(parsed.JSONLDBlocks); ok {
		for _, name := range JSONLDAuthors(block) {
			add(name)
		}
	}
	for _, key := range AuthorMetaKeys {
		add(parsed.MetaTags[key])
	}
	return names
}

// choosePublishedAt picks the publication date: JSON-LD datePublished or
// dateCreated, date meta tags, then the first parseable <time> element.
func choosePublishedAt(parsed *model.Parsed, root *html.Node) *time.Time {
	if block, ok := BestArticleBlock(parsed.JSONLDBlocks); ok {
		for _, key := range []string{"datePublished", "dateCreated"} {
			if dt, ok := ParseDate(StringField(block, key)); ok {
				return &dt
			}
		}
	}
	for _, key := range DateMetaKeys {
		if dt, ok := ParseDate(parsed.MetaTags[key]); ok {
			return &dt
		}
	}
	return collectTimeElement(root)
}

// decodeBody converts raw bytes to UTF-8 text. The charset parameter of the
// Content-Type header wins; fallback order is UTF-8, then Latin-1, which
// always succeeds.
func decodeBody(body []byte, contentType string) (string, error) {
	if name := charsetFrom(contentType); name != "" {
		if enc, err := htmlindex.Get(name); err == nil && enc != nil {
			decoded, err := enc.NewDecoder().Bytes(body)
			if err == nil {
				return string(decoded), nil
			}
		}
	}
	if utf8.Valid(body) {
		return string(body), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func charsetFrom(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

// collectHead walks the head element recording the html title, the canonical
// link, and every meta tag. For meta tags the first occurrence of a key wins.
func collectHead(root *html.Node, out *model.Parsed) {
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inHead bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Head:
				inHead = true
			case atom.Title:
				if out.HTMLTitle == "" {
					out.HTMLTitle = strings.TrimSpace(textContent(n))
				}
			case atom.Meta:
				key := attr(n, "name")
				if key == "" {
					key = attr(n, "property")
				}
				if key == "" {
					key = attr(n, "http-equiv")
				}
				key = strings.ToLower(strings.TrimSpace(key))
				if key != "" {
					if _, seen := out.MetaTags[key]; !seen {
						out.MetaTags[key] = strings.TrimSpace(attr(n, "content"))
					}
				}
			case atom.Link:
				if strings.EqualFold(attr(n, "rel"), "canonical") && out.CanonicalURL == "" {
					out.CanonicalURL = strings.TrimSpace(attr(n, "href"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHead)
		}
	}
	walk(root, false)
}

// collectJSONLD gathers every application/ld+json script block, flattening
// top-level arrays and @graph containers into individual objects. Blocks that
// fail to parse are skipped.
func collectJSONLD(root *html.Node) []map[string]any {
	var blocks []map[string]any
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script &&
			strings.EqualFold(attr(n, "type"), "application/ld+json") {
			raw := textContent(n)
			var decoded any
			if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
				blocks = append(blocks, flattenJSONLD(decoded)...)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return blocks
}

func flattenJSONLD(decoded any) []map[string]any {
	var out []map[string]any
	switch v := decoded.(type) {
	case []any:
		for _, item := range v {
			out = append(out, flattenJSONLD(item)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				out = append(out, flattenJSONLD(item)...)
			}
			return out
		}
		out = append(out, v)
	}
	return out
}

var articleTypes = map[string]struct{}{
	"article":          {},
	"newsarticle":      {},
	"blogposting":      {},
	"scholarlyarticle": {},
	"report":           {},
}

// BestArticleBlock picks the JSON-LD block most likely to describe the page's
// article: the first block with an article @type, else the first block that
// has a headline.
func BestArticleBlock(blocks []map[string]any) (map[string]any, bool) {
	for _, block := range blocks {
		for _, typ := range typeValues(block) {
			if _, ok := articleTypes[strings.ToLower(typ)]; ok {
				return block, true
			}
		}
	}
	for _, block := range blocks {
		if StringField(block, "headline") != "" {
			return block, true
		}
	}
	return nil, false
}

func typeValues(block map[string]any) []string {
	switch v := block["@type"].(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// JSONLDAuthors flattens the author field, which may be a string, an object
// with a name, or a list of either.
func JSONLDAuthors(block map[string]any) []string {
	var out []string
	var visit func(any)
	visit = func(v any) {
		switch a := v.(type) {
		case string:
			if name := strings.TrimSpace(a); name != "" {
				out = append(out, name)
			}
		case map[string]any:
			if name := StringField(a, "name"); name != "" {
				out = append(out, name)
			}
		case []any:
			for _, item := range a {
				visit(item)
			}
		}
	}
	visit(block["author"])
	return out
}

// StringField returns the trimmed string value of a JSON-LD field, or "".
func StringField(block map[string]any, key string) string {
	if s, ok := block[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// SplitAuthorList splits a multi-author string on commas, pipes, and the word
// "and".
func SplitAuthorList(raw string) []string {
	replaced := strings.NewReplacer("|", ",", " and ", ",", " And ", ",").Replace(raw)
	var out []string
	for _, part := range strings.Split(replaced, ",") {
		name := strings.TrimSpace(part)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// collectTimeElement returns the first <time datetime="..."> value that
// parses as a date.
func collectTimeElement(root *html.Node) *time.Time {
	var found *time.Time
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Time {
			if dt, ok := ParseDate(attr(n, "datetime")); ok {
				found = &dt
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

// ParseDate parses common article timestamp formats. A trailing "Z" is
// treated as UTC; date-only values get midnight UTC.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC1123Z,
		time.RFC1123,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// readableText extracts the main article text, preferring the readability
// engine and falling back to a plain DOM walk.
func readableText(pageURL, htmlText string, root *html.Node) string {
	article, err := readability.FromReader(strings.NewReader(htmlText), mustParseURL(pageURL))
	if err == nil {
		if text := normalizeWhitespace(article.TextContent); text != "" {
			return text
		}
	}
	return FallbackText(root)
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return normalizeWhitespace(b.String())
}
