// Package config carries the compliance configuration. Everything defaults to
// "safe and slow"; the validator refuses configurations that would weaken the
// compliance boundary.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Compliance is the frozen runtime configuration. Construct with Default (or
// LoadFile) and validate once at startup; treat the value as immutable after
// that.
type Compliance struct {
	// Fetch-layer constraints.
	MaxGlobalConcurrency int
	PerDomainDelay       time.Duration
	RobotsCheckRequired  bool
	MaxRedirects         int
	FetchTimeout         time.Duration
	UserAgent            string

	// Body limits by normalized content-type prefix. A zero cap refuses the
	// type outright (application/pdf).
	MaxBodyBytesDefault int64
	MaxBodyBytesByType  map[string]int64

	// Blocked CIDR ranges for SSRF prevention.
	BlockedIPRanges []string

	// Content constraints.
	SnippetMaxChars         int
	EvidenceSnippetMaxChars int
	ReadableTextMaxChars    int
	StoreFullBody           bool

	// Disabled features.
	AutoMergeEnabled bool
}

// Default returns the v0 compliance baseline.
func Default() Compliance {
	return Compliance{
		MaxGlobalConcurrency: 1,
		PerDomainDelay:       5 * time.Second,
		RobotsCheckRequired:  true,
		MaxRedirects:         5,
		FetchTimeout:         30 * time.Second,
		UserAgent:            "pressindex-collector/0.1 (+https://github.com/pressindex/collector)",

		MaxBodyBytesDefault: 10_000_000,
		MaxBodyBytesByType: map[string]int64{
			"application/pdf": 0,
		},

		BlockedIPRanges: []string{
			"127.0.0.0/8",        // loopback
			"10.0.0.0/8",         // private
			"172.16.0.0/12",      // private
			"192.168.0.0/16",     // private
			"169.254.0.0/16",     // link-local, incl. cloud metadata
			"224.0.0.0/4",        // multicast
			"255.255.255.255/32", // broadcast
			"0.0.0.0/8",          // this network
			"::1/128",            // IPv6 loopback
			"fe80::/10",          // IPv6 link-local
			"fc00::/7",           // IPv6 ULA
			"ff00::/8",           // IPv6 multicast
		},

		SnippetMaxChars:         1500,
		EvidenceSnippetMaxChars: 800,
		ReadableTextMaxChars:    5000,
		StoreFullBody:           false,

		AutoMergeEnabled: false,
	}
}

// Validate rejects any configuration that crosses a compliance boundary. The
// process must refuse to start on error.
func (c Compliance) Validate() error {
	var errs []error
	if c.MaxGlobalConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max global concurrency must be >= 1, got %d", c.MaxGlobalConcurrency))
	}
	if c.PerDomainDelay < 0 {
		errs = append(errs, fmt.Errorf("per-domain delay must be >= 0, got %s", c.PerDomainDelay))
	}
	if !c.RobotsCheckRequired {
		errs = append(errs, errors.New("robots enforcement cannot be disabled"))
	}
	if c.StoreFullBody {
		errs = append(errs, errors.New("full-body storage is forbidden"))
	}
	if c.AutoMergeEnabled {
		errs = append(errs, errors.New("automatic author merging is forbidden; merges require manual review"))
	}
	if c.SnippetMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("snippet max chars must be > 0, got %d", c.SnippetMaxChars))
	}
	if c.EvidenceSnippetMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("evidence snippet max chars must be > 0, got %d", c.EvidenceSnippetMaxChars))
	}
	if c.ReadableTextMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("readable text max chars must be > 0, got %d", c.ReadableTextMaxChars))
	}
	if c.MaxBodyBytesDefault <= 0 {
		errs = append(errs, fmt.Errorf("default body limit must be > 0, got %d", c.MaxBodyBytesDefault))
	}
	if c.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("max redirects must be >= 0, got %d", c.MaxRedirects))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be > 0, got %s", c.FetchTimeout))
	}
	if c.UserAgent == "" {
		errs = append(errs, errors.New("a descriptive user agent is required"))
	}
	return errors.Join(errs...)
}

// BodyLimitFor returns the byte cap for a raw Content-Type header value.
func (c Compliance) BodyLimitFor(contentType string) int64 {
	normalized := normalizeContentType(contentType)
	if normalized == "" {
		return c.MaxBodyBytesDefault
	}
	if limit, ok := c.MaxBodyBytesByType[normalized]; ok {
		return limit
	}
	return c.MaxBodyBytesDefault
}

func normalizeContentType(ct string) string {
	out := make([]byte, 0, len(ct))
	for i := 0; i < len(ct); i++ {
		b := ct[i]
		if b == ';' {
			break
		}
		if b == ' ' || b == '\t' {
			continue
		}
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out = append(out, b)
	}
	return string(out)
}
