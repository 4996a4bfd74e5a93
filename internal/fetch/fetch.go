// Package fetch performs compliant HTTP retrieval: robots consultation, SSRF
// address validation on every redirect hop, politeness gating, and bounded
// body streaming. Fetch never panics and never returns a Go error to the
// pipeline; failures come back as a typed error code on the fetch log.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pressindex/collector/internal/config"
	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/politeness"
	"github.com/pressindex/collector/internal/robots"
)

const readChunkBytes = 8 * 1024

// Warning is a robots observability signal surfaced during a fetch.
type Warning struct {
	Event  string // "robots_warning" or "robots_slowdown"
	Fields map[string]any
}

// Fetcher is the safe HTTP client used by the pipeline. Construct with New.
type Fetcher struct {
	cfg    config.Compliance
	robots *robots.Checker
	gate   *politeness.Gate
	client *http.Client

	blocked []*net.IPNet

	// Resolver is injectable for tests; defaults to net.DefaultResolver.
	Resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}

	// OnWarning, when set, receives robots warnings for the event stream.
	OnWarning func(Warning)
}

// New builds a fetcher from the compliance config. The blocked ranges must
// parse; Default always does.
func New(cfg config.Compliance, checker *robots.Checker, gate *politeness.Gate) (*Fetcher, error) {
	var blocked []*net.IPNet
	for _, cidr := range cfg.BlockedIPRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("blocked range %q: %w", cidr, err)
		}
		blocked = append(blocked, ipnet)
	}
	client := &http.Client{
		Timeout: cfg.FetchTimeout,
		// Redirects are walked manually so every hop is revalidated.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Fetcher{
		cfg:      cfg,
		robots:   checker,
		gate:     gate,
		client:   client,
		blocked:  blocked,
		Resolver: net.DefaultResolver,
	}, nil
}

// Fetch retrieves one URL. The returned document is nil whenever the log
// carries an error code. Conditional headers (If-None-Match / If-Modified-
// Since) are sent when prior validators are given; a 304 yields a document
// with nil body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, runID, etag, lastModified string) (*model.FetchedDoc, model.FetchLog) {
	log := model.NewFetchLog(rawURL, runID)
	start := time.Now()

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		log.ErrorCode = model.FetchSecurityBlocked
		log.LatencyMS = time.Since(start).Milliseconds()
		return nil, log
	}
	if !isHTTPScheme(target.Scheme) {
		log.ErrorCode = model.FetchSecurityBlocked
		log.LatencyMS = time.Since(start).Milliseconds()
		return nil, log
	}
	if err := f.validateAddress(ctx, target.Hostname()); err != nil {
		log.ErrorCode = model.FetchSecurityBlocked
		log.LatencyMS = time.Since(start).Milliseconds()
		return nil, log
	}

	decision := f.robots.Evaluate(ctx, rawURL)
	f.emitRobotsSignals(rawURL, runID, decision)
	if !decision.Allowed {
		log.ErrorCode = model.FetchBlockedByRobots
		log.LatencyMS = time.Since(start).Milliseconds()
		return nil, log
	}

	if err := f.gate.Acquire(ctx, target.Hostname(), decision.DelayMultiplier); err != nil {
		log.ErrorCode = classifyTransportError(err)
		log.LatencyMS = time.Since(start).Milliseconds()
		return nil, log
	}
	defer f.gate.Release()

	doc, code := f.follow(ctx, target, etag, lastModified)
	log.LatencyMS = time.Since(start).Milliseconds()
	if code != "" {
		log.ErrorCode = code
		return nil, log
	}
	log.StatusCode = doc.StatusCode
	log.BytesReceived = len(doc.Body)
	doc.LatencyMS = log.LatencyMS
	return doc, log
}

// follow walks redirects manually, revalidating scheme and resolved addresses
// at every hop.
func (f *Fetcher) follow(ctx context.Context, target *url.URL, etag, lastModified string) (*model.FetchedDoc, model.FetchErrorCode) {
	current := target
	for hop := 0; ; hop++ {
		if hop > f.cfg.MaxRedirects {
			return nil, model.FetchRedirectLimit
		}
		if hop > 0 {
			if !isHTTPScheme(current.Scheme) {
				return nil, model.FetchSecurityBlocked
			}
			if err := f.validateAddress(ctx, current.Hostname()); err != nil {
				return nil, model.FetchSecurityBlocked
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, model.FetchError
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, model.FetchError
			}
			next, err := current.Parse(location)
			if err != nil {
				return nil, model.FetchError
			}
			current = next
			continue
		}

		doc, code := f.readResponse(current.String(), resp)
		resp.Body.Close()
		return doc, code
	}
}

// readResponse drains the body in bounded chunks, hashing as it goes and
// aborting once the content-type cap is exceeded.
func (f *Fetcher) readResponse(finalURL string, resp *http.Response) (*model.FetchedDoc, model.FetchErrorCode) {
	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	if resp.StatusCode == http.StatusNotModified {
		return &model.FetchedDoc{
			StatusCode: resp.StatusCode,
			FinalURL:   finalURL,
			Headers:    headers,
		}, ""
	}

	limit := f.cfg.BodyLimitFor(resp.Header.Get("Content-Type"))
	if limit <= 0 {
		return nil, model.FetchBodyTooLarge
	}

	hasher := sha256.New()
	var body []byte
	chunk := make([]byte, readChunkBytes)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if int64(len(body)+n) > limit {
				return nil, model.FetchBodyTooLarge
			}
			body = append(body, chunk[:n]...)
			hasher.Write(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, classifyTransportError(err)
		}
	}

	return &model.FetchedDoc{
		StatusCode: resp.StatusCode,
		FinalURL:   finalURL,
		Headers:    headers,
		Body:       body,
		BodySHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, ""
}

// validateAddress resolves the host and rejects any address in a blocked
// range. Unresolvable hosts are rejected.
func (f *Fetcher) validateAddress(ctx context.Context, host string) error {
	if host == "" {
		return errors.New("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if f.isBlockedIP(ip) {
			return fmt.Errorf("address %s is in a blocked range", ip)
		}
		return nil
	}
	addrs, err := f.Resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if f.isBlockedIP(addr.IP) {
			return fmt.Errorf("host %s resolves to blocked address %s", host, addr.IP)
		}
	}
	return nil
}

func (f *Fetcher) isBlockedIP(ip net.IP) bool {
	for _, ipnet := range f.blocked {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (f *Fetcher) emitRobotsSignals(rawURL, runID string, d robots.Decision) {
	if f.OnWarning == nil {
		return
	}
	if d.Warning != "" {
		f.OnWarning(Warning{
			Event: "robots_warning",
			Fields: map[string]any{
				"url":        rawURL,
				"run_id":     runID,
				"robots_url": d.RobotsURL,
				"mode":       string(d.Mode),
				"warning":    d.Warning,
			},
		})
	}
	if d.DelayMultiplier > 1.0 {
		f.OnWarning(Warning{
			Event: "robots_slowdown",
			Fields: map[string]any{
				"url":              rawURL,
				"run_id":           runID,
				"robots_url":       d.RobotsURL,
				"delay_multiplier": d.DelayMultiplier,
			},
		})
	}
}

func classifyTransportError(err error) model.FetchErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FetchTimeout
	}
	if errors.Is(err, context.Canceled) {
		return model.FetchError
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return model.FetchTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.FetchTimeout
	}
	return model.FetchError
}

func isHTTPScheme(scheme string) bool {
	s := strings.ToLower(scheme)
	return s == "http" || s == "https"
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
