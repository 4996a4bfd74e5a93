// Package urlnorm canonicalizes URLs into stable deduplication keys.
package urlnorm

import (
	"net/url"
	"sort"
	"strings"
)

var removableQueryParams = map[string]struct{}{
	"session":    {},
	"sessionid":  {},
	"sid":        {},
	"phpsessid":  {},
	"jsessionid": {},
}

// Canonicalize normalizes a URL for deduplication:
//   - force https, lowercase host and path
//   - strip fragment and default ports
//   - drop utm_* and session-id query params, sort the rest by (key, value)
//   - ensure the path starts with "/"
//
// Non-HTTP(S) input is returned unchanged. Idempotent:
// Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return raw
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	defaultPort := "443"
	if scheme == "http" {
		defaultPort = "80"
	}
	netloc := host
	if port != "" && port != defaultPort {
		netloc = host + ":" + port
	}

	path := strings.ToLower(parsed.EscapedPath())
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	query := canonicalQuery(parsed.RawQuery)

	out := url.URL{
		Scheme:   "https",
		Host:     netloc,
		RawPath:  path,
		Path:     mustUnescape(path),
		RawQuery: query,
	}
	return out.String()
}

func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	type pair struct{ key, value string }
	var pairs []pair
	for key, list := range values {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			continue
		}
		if _, drop := removableQueryParams[lower]; drop {
			continue
		}
		for _, value := range list {
			pairs = append(pairs, pair{key: key, value: value})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func mustUnescape(path string) string {
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return path
	}
	return unescaped
}
