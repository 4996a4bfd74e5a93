// Package connectors discovers candidate article URLs from seeds. A source id
// selects its connector by prefix: "rss:", "arxiv:", or "html:". Seeds are
// local file paths or HTTP(S) URLs.
package connectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Connector turns one seed into a list of candidate URLs.
type Connector interface {
	Discover(ctx context.Context, seed string) ([]string, error)
}

// Options carry the fetch policy shared by all connectors; discovery uses the
// same user agent and timeout as article fetches.
type Options struct {
	UserAgent string
	Timeout   time.Duration
}

// ForSourceID selects the connector named by the source id prefix.
func ForSourceID(sourceID string, opts Options) (Connector, error) {
	switch {
	case strings.HasPrefix(sourceID, "rss:"):
		return &RSSConnector{opts: opts}, nil
	case strings.HasPrefix(sourceID, "arxiv:"):
		return &ArxivConnector{opts: opts}, nil
	case strings.HasPrefix(sourceID, "html:"):
		return &HTMLListConnector{opts: opts}, nil
	}
	return nil, fmt.Errorf("no connector for source id %q: expected rss:, arxiv:, or html: prefix", sourceID)
}

// readSeed loads seed content from a URL or a local file.
func readSeed(ctx context.Context, seed string, opts Options) ([]byte, error) {
	if isHTTPURL(seed) {
		return fetchSeed(ctx, seed, opts)
	}
	data, err := os.ReadFile(seed)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", seed, err)
	}
	return data, nil
}

func fetchSeed(ctx context.Context, seedURL string, opts Options) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build seed request: %w", err)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch seed %s: %w", seedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch seed %s: status %d", seedURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", seedURL, err)
	}
	return body, nil
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	var out []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
