package connectors

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLListConnector discovers links from an HTML listing page, such as an
// author archive or a site index.
type HTMLListConnector struct {
	opts Options
}

// Discover collects every anchor href from the seed page, resolved against
// the seed URL when the seed is remote. Only HTTP(S) results survive.
func (c *HTMLListConnector) Discover(ctx context.Context, seed string) ([]string, error) {
	data, err := readSeed(ctx, seed, c.opts)
	if err != nil {
		return nil, err
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", seed, err)
	}

	var base *url.URL
	if isHTTPURL(seed) {
		base, _ = url.Parse(seed)
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if href := anchorHref(n); href != "" {
				if resolved := resolveLink(base, href); resolved != "" {
					links = append(links, resolved)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return dedupe(links), nil
}

func anchorHref(n *html.Node) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "href") {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// resolveLink resolves href against base (when known) and keeps only
// absolute HTTP(S) URLs.
func resolveLink(base *url.URL, href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	if parsed.Host == "" {
		return ""
	}
	return parsed.String()
}
