// Package robots evaluates robots.txt policy per domain with a TTL cache and
// a conservative failure strategy: degraded robots responses allow fetching
// but raise the politeness delay multiplier.
package robots

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Mode classifies how a domain's robots policy was resolved.
type Mode string

const (
	ModeParsed           Mode = "parsed"
	ModeAllowAll         Mode = "allow_all"
	ModeAllowWithCaution Mode = "allow_with_caution"
	ModeInvalid          Mode = "invalid"
)

// BlockedByRobots is the error code surfaced on denied URLs.
const BlockedByRobots = "BLOCKED_BY_ROBOTS"

const (
	ttlParsed    = time.Hour
	ttlNotFound  = 4 * time.Hour
	ttlDegraded  = 15 * time.Minute
	ttlFallback  = time.Hour
	maxBodyBytes = 1 << 20
)

// Decision is the full outcome of one robots check, including the fields the
// fetcher turns into robots_warning and robots_slowdown events.
type Decision struct {
	Allowed         bool
	ErrorCode       string
	DelayMultiplier float64
	Mode            Mode
	Warning         string
	RobotsURL       string
	StatusCode      int
	CacheHit        bool
}

type cacheEntry struct {
	mode            Mode
	expiresAt       time.Time
	delayMultiplier float64
	rules           *Rules
	statusCode      int
	warning         string
}

// Checker fetches and caches per-domain robots policy.
type Checker struct {
	HTTPClient   *http.Client
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewChecker builds a checker with the given agent and request policy.
func NewChecker(userAgent string, timeout time.Duration, maxRedirects int) *Checker {
	return &Checker{
		UserAgent:    userAgent,
		Timeout:      timeout,
		MaxRedirects: maxRedirects,
		cache:        make(map[string]cacheEntry),
		now:          time.Now,
	}
}

// SetClock overrides the cache clock for tests.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// ClearCache drops all cached policies.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Evaluate returns the robots decision for one URL. URLs without a host are
// denied outright.
func (c *Checker) Evaluate(ctx context.Context, rawURL string) Decision {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Decision{
			Allowed:         false,
			ErrorCode:       BlockedByRobots,
			DelayMultiplier: 1.0,
			Mode:            ModeInvalid,
			Warning:         "invalid URL for robots check: missing host",
		}
	}
	host := strings.ToLower(parsed.Host)
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)

	entry, cacheHit := c.getOrFetch(ctx, host, robotsURL)

	if entry.mode == ModeParsed && entry.rules != nil &&
		!entry.rules.IsAllowed(c.UserAgent, parsed.RequestURI()) {
		return Decision{
			Allowed:         false,
			ErrorCode:       BlockedByRobots,
			DelayMultiplier: 1.0,
			Mode:            entry.mode,
			Warning:         entry.warning,
			RobotsURL:       robotsURL,
			StatusCode:      entry.statusCode,
			CacheHit:        cacheHit,
		}
	}

	return Decision{
		Allowed:         true,
		DelayMultiplier: entry.delayMultiplier,
		Mode:            entry.mode,
		Warning:         entry.warning,
		RobotsURL:       robotsURL,
		StatusCode:      entry.statusCode,
		CacheHit:        cacheHit,
	}
}

func (c *Checker) getOrFetch(ctx context.Context, host, robotsURL string) (cacheEntry, bool) {
	if c.now == nil {
		c.now = time.Now
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cacheEntry)
	}
	if entry, ok := c.cache[host]; ok && entry.expiresAt.After(c.now()) {
		c.mu.Unlock()
		return entry, true
	}
	c.mu.Unlock()

	entry := c.fetchEntry(ctx, robotsURL)

	c.mu.Lock()
	c.cache[host] = entry
	c.mu.Unlock()
	return entry, false
}

var errTooManyRedirects = errors.New("too many robots redirects")

func (c *Checker) fetchEntry(ctx context.Context, robotsURL string) cacheEntry {
	now := c.now()
	maxHops := c.MaxRedirects
	if maxHops <= 0 {
		maxHops = 5
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	// Clone so the redirect policy does not leak into a shared client.
	bounded := *client
	bounded.Timeout = timeout
	bounded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxHops {
			return errTooManyRedirects
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return cacheEntry{
			mode:            ModeAllowAll,
			expiresAt:       now.Add(ttlFallback),
			delayMultiplier: 1.0,
			warning:         fmt.Sprintf("robots.txt request build failed for %s; allowing", robotsURL),
		}
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := bounded.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, errTooManyRedirects):
			return cacheEntry{
				mode:            ModeAllowAll,
				expiresAt:       now.Add(ttlFallback),
				delayMultiplier: 1.0,
				warning:         fmt.Sprintf("robots.txt redirect loop for %s; allowing", robotsURL),
			}
		case isTimeout(err):
			return cacheEntry{
				mode:            ModeAllowAll,
				expiresAt:       now.Add(ttlFallback),
				delayMultiplier: 1.0,
				warning:         fmt.Sprintf("robots.txt timeout for %s; allowing", robotsURL),
			}
		default:
			return cacheEntry{
				mode:            ModeAllowWithCaution,
				expiresAt:       now.Add(ttlDegraded),
				delayMultiplier: 2.0,
				warning:         fmt.Sprintf("robots.txt request error for %s; allowing with reduced rate", robotsURL),
			}
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			return cacheEntry{
				mode:            ModeAllowWithCaution,
				expiresAt:       now.Add(ttlDegraded),
				delayMultiplier: 2.0,
				statusCode:      resp.StatusCode,
				warning:         fmt.Sprintf("robots.txt read error for %s; allowing with reduced rate", robotsURL),
			}
		}
		rules := Parse(string(body))
		return cacheEntry{
			mode:            ModeParsed,
			expiresAt:       now.Add(ttlParsed),
			delayMultiplier: 1.0,
			rules:           &rules,
			statusCode:      resp.StatusCode,
		}
	case resp.StatusCode == http.StatusNotFound:
		return cacheEntry{
			mode:            ModeAllowAll,
			expiresAt:       now.Add(ttlNotFound),
			delayMultiplier: 1.0,
			statusCode:      resp.StatusCode,
			warning:         fmt.Sprintf("robots.txt not found for %s; allowing", robotsURL),
		}
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return cacheEntry{
			mode:            ModeAllowWithCaution,
			expiresAt:       now.Add(ttlDegraded),
			delayMultiplier: 2.0,
			statusCode:      resp.StatusCode,
			warning:         fmt.Sprintf("robots.txt returned %d for %s; allowing with reduced rate", resp.StatusCode, robotsURL),
		}
	default:
		return cacheEntry{
			mode:            ModeAllowAll,
			expiresAt:       now.Add(ttlFallback),
			delayMultiplier: 1.0,
			statusCode:      resp.StatusCode,
			warning:         fmt.Sprintf("robots.txt returned %d for %s; allowing", resp.StatusCode, robotsURL),
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Timeout()
	}
	return false
}

// Rules is a parsed robots file.
type Rules struct {
	Groups []Group
}

// Group is one user-agent group with its directives.
type Group struct {
	Agents   []string
	Allow    []string
	Disallow []string
}

// Parse reads a robots.txt body into grouped directives.
func Parse(text string) Rules {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	var groups []Group
	current := Group{}
	flush := func() {
		if len(current.Agents) == 0 && len(current.Allow) == 0 && len(current.Disallow) == 0 {
			return
		}
		groups = append(groups, current)
		current = Group{}
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		val := strings.TrimSpace(line[colon+1:])
		switch key {
		case "user-agent", "useragent":
			if len(current.Agents) > 0 && (len(current.Allow) > 0 || len(current.Disallow) > 0) {
				flush()
			}
			current.Agents = append(current.Agents, strings.ToLower(val))
		case "allow":
			current.Allow = append(current.Allow, val)
		case "disallow":
			current.Disallow = append(current.Disallow, val)
		}
	}
	flush()
	return Rules{Groups: groups}
}

// IsAllowed evaluates whether the path (optionally including a query string)
// may be fetched by the given agent.
//
// Policy: pick the most specific matching User-agent group; the wildcard "*"
// loses to any named match. Within the group, the matching directive with the
// highest specificity wins and ties favor Allow. No match means allow.
func (r Rules) IsAllowed(userAgent, pathWithOptionalQuery string) bool {
	grpIdx := r.selectGroupIndex(userAgent)
	if grpIdx < 0 || grpIdx >= len(r.Groups) {
		return true
	}
	grp := r.Groups[grpIdx]

	bestScore := -1
	bestAllow := true

	evaluate := func(patterns []string, isAllow bool) {
		for _, p := range patterns {
			if p == "" {
				continue
			}
			if patternMatches(p, pathWithOptionalQuery) {
				score := patternSpecificity(p)
				if score > bestScore || (score == bestScore && isAllow && !bestAllow) {
					bestScore = score
					bestAllow = isAllow
				}
			}
		}
	}

	evaluate(grp.Disallow, false)
	evaluate(grp.Allow, true)

	if bestScore == -1 {
		return true
	}
	return bestAllow
}

func (r Rules) selectGroupIndex(userAgent string) int {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	bestIdx := -1
	bestScore := -1
	for i, g := range r.Groups {
		for _, a := range g.Agents {
			token := strings.ToLower(strings.TrimSpace(a))
			if token == "" {
				continue
			}
			var score int
			switch {
			case token == "*":
				score = 0
			case strings.Contains(ua, token):
				score = len(token)
			default:
				continue
			}
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
	}
	return bestIdx
}

// patternMatches supports '*' wildcards and a '$' end anchor, with matching
// anchored at the beginning of the path.
func patternMatches(pattern, path string) bool {
	anchorEnd := strings.HasSuffix(pattern, "$")
	p := strings.TrimSuffix(pattern, "$")
	var b strings.Builder
	b.WriteString("^")
	for _, rn := range p {
		if rn == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(rn)))
	}
	if anchorEnd {
		b.WriteString("$")
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

// patternSpecificity scores a pattern by its concrete length; '*' and a
// trailing '$' do not count.
func patternSpecificity(pattern string) int {
	p := strings.TrimSuffix(pattern, "$")
	p = strings.ReplaceAll(p, "*", "")
	return len(p)
}
