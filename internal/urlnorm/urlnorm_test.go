package urlnorm

import "testing"

func TestCanonicalizeBasics(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"forces https", "http://Example.com/Path", "https://example.com/path"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "https://example.com/a"},
		{"keeps custom port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"empty path becomes slash", "https://example.com", "https://example.com/"},
		{"drops utm params", "https://example.com/a?utm_source=x&utm_medium=y", "https://example.com/a"},
		{"drops session params", "https://example.com/a?sessionid=abc&x=1", "https://example.com/a?x=1"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Canonicalize(tc.in); got != tc.want {
				t.Fatalf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"http://Example.com/Some/Path?b=2&a=1&utm_source=feed",
		"https://example.com:443/x?sid=1",
		"https://example.com/a#frag",
	}
	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCanonicalizeNonHTTPUnchanged(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"ftp://example.com/file", "mailto:user@example.com", "not a url"} {
		if got := Canonicalize(in); got != in {
			t.Errorf("Canonicalize(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestCanonicalizeSortsByValueOnDuplicateKeys(t *testing.T) {
	t.Parallel()
	got := Canonicalize("https://example.com/a?k=2&k=1")
	want := "https://example.com/a?k=1&k=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
