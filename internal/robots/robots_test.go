package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const testAgent = "collector-test/1.0"

func newTestChecker() *Checker {
	return NewChecker(testAgent, 5*time.Second, 5)
}

func TestEvaluateParsedDisallow(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("User-agent: *\nDisallow: /private\nAllow: /private/ok\n"))
	}))
	defer srv.Close()

	c := newTestChecker()
	ctx := context.Background()

	d := c.Evaluate(ctx, srv.URL+"/private/page")
	if d.Allowed {
		t.Fatal("expected /private/page to be denied")
	}
	if d.ErrorCode != BlockedByRobots {
		t.Errorf("error code = %q", d.ErrorCode)
	}
	if d.Mode != ModeParsed {
		t.Errorf("mode = %q", d.Mode)
	}

	if d := c.Evaluate(ctx, srv.URL+"/public"); !d.Allowed {
		t.Error("expected /public to be allowed")
	}
	if d := c.Evaluate(ctx, srv.URL+"/private/ok"); !d.Allowed {
		t.Error("expected more specific Allow to win")
	}
}

func TestEvaluateCachesPerHost(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	defer srv.Close()

	c := newTestChecker()
	ctx := context.Background()

	first := c.Evaluate(ctx, srv.URL+"/a")
	second := c.Evaluate(ctx, srv.URL+"/b")
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("robots fetched %d times, want 1", got)
	}
	if first.CacheHit {
		t.Error("first evaluation should miss the cache")
	}
	if !second.CacheHit {
		t.Error("second evaluation should hit the cache")
	}
}

func TestEvaluateCacheExpiry(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	defer srv.Close()

	c := newTestChecker()
	base := time.Now()
	c.SetClock(func() time.Time { return base })
	ctx := context.Background()

	c.Evaluate(ctx, srv.URL+"/a")
	base = base.Add(2 * time.Hour)
	c.Evaluate(ctx, srv.URL+"/a")
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("robots fetched %d times after expiry, want 2", got)
	}
}

func TestEvaluateNotFoundAllowsAll(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestChecker()
	d := c.Evaluate(context.Background(), srv.URL+"/anything")
	if !d.Allowed {
		t.Fatal("404 robots must allow")
	}
	if d.Mode != ModeAllowAll {
		t.Errorf("mode = %q, want allow_all", d.Mode)
	}
	if d.DelayMultiplier != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", d.DelayMultiplier)
	}
	if d.Warning == "" {
		t.Error("404 should carry a warning")
	}
}

func TestEvaluateServerErrorSlowsDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestChecker()
	d := c.Evaluate(context.Background(), srv.URL+"/page")
	if !d.Allowed {
		t.Fatal("5xx robots must allow with caution")
	}
	if d.Mode != ModeAllowWithCaution {
		t.Errorf("mode = %q, want allow_with_caution", d.Mode)
	}
	if d.DelayMultiplier != 2.0 {
		t.Errorf("multiplier = %v, want 2.0", d.DelayMultiplier)
	}
}

func TestEvaluateTransportErrorSlowsDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestChecker()
	d := c.Evaluate(context.Background(), srv.URL+"/page")
	if !d.Allowed {
		t.Fatal("transport error must allow with caution")
	}
	if d.Mode != ModeAllowWithCaution {
		t.Errorf("mode = %q", d.Mode)
	}
	if d.DelayMultiplier != 2.0 {
		t.Errorf("multiplier = %v, want 2.0", d.DelayMultiplier)
	}
}

func TestEvaluateRedirectLoopAllows(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/robots.txt", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestChecker()
	d := c.Evaluate(context.Background(), srv.URL+"/page")
	if !d.Allowed {
		t.Fatal("redirect loop must allow")
	}
	if d.Mode != ModeAllowAll {
		t.Errorf("mode = %q, want allow_all", d.Mode)
	}
}

func TestEvaluateMissingHostDenied(t *testing.T) {
	t.Parallel()
	c := newTestChecker()
	d := c.Evaluate(context.Background(), "https:///path-only")
	if d.Allowed {
		t.Fatal("URL without host must be denied")
	}
	if d.ErrorCode != BlockedByRobots {
		t.Errorf("error code = %q", d.ErrorCode)
	}
	if d.Mode != ModeInvalid {
		t.Errorf("mode = %q", d.Mode)
	}
}

func TestRulesGroupSelection(t *testing.T) {
	t.Parallel()
	rules := Parse(`
User-agent: *
Disallow: /all

User-agent: collector-test
Disallow: /mine
`)
	if rules.IsAllowed(testAgent, "/mine") {
		t.Error("named group should apply to matching agent")
	}
	if !rules.IsAllowed(testAgent, "/all") {
		t.Error("named group should shadow the wildcard group")
	}
	if rules.IsAllowed("other-bot/2.0", "/all") {
		t.Error("wildcard group should apply to unmatched agents")
	}
}

func TestRulesPatternMatching(t *testing.T) {
	t.Parallel()
	rules := Parse("User-agent: *\nDisallow: /*.json$\nDisallow: /tmp*\n")
	if rules.IsAllowed(testAgent, "/data/file.json") {
		t.Error("$-anchored pattern should match")
	}
	if !rules.IsAllowed(testAgent, "/data/file.json.html") {
		t.Error("$-anchored pattern should not match with trailing content")
	}
	if rules.IsAllowed(testAgent, "/tmp/scratch") {
		t.Error("wildcard prefix should match")
	}
}

func TestParseEmptyAndComments(t *testing.T) {
	t.Parallel()
	rules := Parse("# only a comment\n\n")
	if len(rules.Groups) != 0 {
		t.Fatalf("groups = %d, want 0", len(rules.Groups))
	}
	if !rules.IsAllowed(testAgent, "/anything") {
		t.Error("empty rules must allow")
	}
}
