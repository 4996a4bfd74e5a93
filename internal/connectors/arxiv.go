package connectors

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// arXiv API endpoint used when a seed is a bare search query.
const arxivAPIBase = "https://export.arxiv.org/api/query"

const arxivDefaultMaxResults = 100

// ArxivConnector discovers abstract-page links from arXiv Atom feeds. PDF
// links are skipped so the pipeline never requests a PDF it would refuse
// anyway.
type ArxivConnector struct {
	opts Options
}

// Discover handles three seed shapes: a feed URL, a local feed file, or a
// bare search query that is turned into an arXiv API request.
func (c *ArxivConnector) Discover(ctx context.Context, seed string) ([]string, error) {
	target := seed
	if !isHTTPURL(seed) && !fileExists(seed) {
		target = QueryURL(seed, arxivDefaultMaxResults)
	}
	data, err := readSeed(ctx, target, c.opts)
	if err != nil {
		return nil, err
	}
	links, err := scanFeedLinks(data, notPDF, true)
	if err != nil {
		return nil, fmt.Errorf("parse arxiv feed %s: %w", target, err)
	}
	var out []string
	for _, link := range links {
		if isPDFLink(link) {
			continue
		}
		out = append(out, link)
	}
	return dedupe(out), nil
}

// QueryURL builds the arXiv API URL for a bare search query.
func QueryURL(query string, maxResults int) string {
	if maxResults <= 0 {
		maxResults = arxivDefaultMaxResults
	}
	params := url.Values{}
	params.Set("search_query", query)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprint(maxResults))
	return arxivAPIBase + "?" + params.Encode()
}

// notPDF vetoes Atom link elements that advertise a PDF rendition.
func notPDF(attrs map[string]string) bool {
	if strings.EqualFold(attrs["type"], "application/pdf") {
		return false
	}
	if strings.EqualFold(attrs["title"], "pdf") {
		return false
	}
	return true
}

func isPDFLink(link string) bool {
	lower := strings.ToLower(link)
	return strings.Contains(lower, "/pdf/") || strings.HasSuffix(lower, ".pdf")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
