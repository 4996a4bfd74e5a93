package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/pressindex/collector/internal/model"
)

func newTestExtractor() *Extractor {
	return &Extractor{
		SnippetMaxChars:         1500,
		EvidenceSnippetMaxChars: 800,
	}
}

func parsedDoc() *model.Parsed {
	return &model.Parsed{
		URL:      "https://example.com/articles/one",
		MetaTags: map[string]string{},
	}
}

func evidenceFor(res Result, claim string) *model.Evidence {
	for i := range res.Evidence {
		if res.Evidence[i].ClaimPath == claim {
			return &res.Evidence[i]
		}
	}
	return nil
}

func TestExtractTitlePriorityJSONLDFirst(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.JSONLDBlocks = []map[string]any{
		{"@type": "NewsArticle", "headline": "LD Headline"},
	}
	doc.MetaTags["og:title"] = "OG Title"
	doc.Title = "Parsed Title"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.Title == nil || *res.Draft.Title != "LD Headline" {
		t.Fatalf("title = %v, want LD Headline", res.Draft.Title)
	}
	ev := evidenceFor(res, ClaimTitle)
	if ev == nil {
		t.Fatal("missing title evidence")
	}
	if ev.EvidenceType != model.EvidenceJSONLD || ev.ExtractionMethod != "json_ld.headline" {
		t.Errorf("evidence = %s/%s", ev.EvidenceType, ev.ExtractionMethod)
	}
}

func TestExtractTitleFallsBackToMeta(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.MetaTags["og:title"] = "OG Title"
	doc.Title = "Parsed Title"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.Title == nil || *res.Draft.Title != "OG Title" {
		t.Fatalf("title = %v, want OG Title", res.Draft.Title)
	}
	if ev := evidenceFor(res, ClaimTitle); ev == nil || ev.ExtractionMethod != "meta.og:title" {
		t.Errorf("unexpected title evidence: %+v", ev)
	}
}

func TestExtractTitleFallsBackToParsed(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.Title = "Parsed Title"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.Title == nil || *res.Draft.Title != "Parsed Title" {
		t.Fatalf("title = %v", res.Draft.Title)
	}
	if ev := evidenceFor(res, ClaimTitle); ev == nil || ev.ExtractionMethod != "parsed.title" {
		t.Errorf("unexpected title evidence: %+v", ev)
	}
}

func TestExtractAuthorChain(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.JSONLDBlocks = []map[string]any{
		{"@type": "Article", "author": []any{
			map[string]any{"name": "Jane Doe"},
			map[string]any{"name": "John Roe"},
		}},
	}
	doc.MetaTags["author"] = "Someone Else"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.AuthorHint == nil || *res.Draft.AuthorHint != "Jane Doe" {
		t.Fatalf("author = %v, want first JSON-LD author", res.Draft.AuthorHint)
	}
	ev := evidenceFor(res, ClaimAuthorHint)
	if ev == nil || ev.Metadata["author_count"] != "2" {
		t.Errorf("author evidence = %+v", ev)
	}
}

func TestExtractAuthorMetaSplitsMultiAuthor(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.MetaTags["author"] = "Jane Doe, John Roe and Max Mustermann"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.AuthorHint == nil || *res.Draft.AuthorHint != "Jane Doe" {
		t.Fatalf("author = %v", res.Draft.AuthorHint)
	}
	ev := evidenceFor(res, ClaimAuthorHint)
	if ev == nil || ev.Metadata["author_count"] != "3" {
		t.Errorf("author evidence = %+v", ev)
	}
}

func TestExtractAuthorFallsBackToParsedNames(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.AuthorNames = []string{"Jane Doe", "John Roe"}

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.AuthorHint == nil || *res.Draft.AuthorHint != "Jane Doe" {
		t.Fatalf("author = %v", res.Draft.AuthorHint)
	}
	if ev := evidenceFor(res, ClaimAuthorHint); ev == nil || ev.ExtractionMethod != "parsed.author_names" {
		t.Errorf("author evidence = %+v", ev)
	}
}

func TestExtractPublishedAtChain(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.JSONLDBlocks = []map[string]any{
		{"@type": "BlogPosting", "datePublished": "2024-03-01T10:00:00Z"},
	}
	doc.MetaTags["article:published_time"] = "2023-01-01T00:00:00Z"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.PublishedAt == nil {
		t.Fatal("missing published_at")
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !res.Draft.PublishedAt.Equal(want) {
		t.Errorf("published_at = %s", res.Draft.PublishedAt)
	}
	if ev := evidenceFor(res, ClaimPublishedAt); ev == nil || ev.ExtractionMethod != "json_ld.datePublished" {
		t.Errorf("published evidence = %+v", ev)
	}
}

func TestExtractPublishedAtSkipsUnparseableJSONLD(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.JSONLDBlocks = []map[string]any{
		{"@type": "Article", "datePublished": "not a date"},
	}
	doc.MetaTags["article:published_time"] = "2023-05-05T12:00:00+00:00"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.PublishedAt == nil {
		t.Fatal("missing published_at")
	}
	if ev := evidenceFor(res, ClaimPublishedAt); ev == nil || ev.ExtractionMethod != "meta.article:published_time" {
		t.Errorf("published evidence = %+v", ev)
	}
}

func TestExtractEvidenceReplayFields(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.Title = "Some Title"

	res := newTestExtractor().Extract(doc, "sha256:deadbeef", "run-9")
	ev := evidenceFor(res, ClaimTitle)
	if ev == nil {
		t.Fatal("missing evidence")
	}
	if ev.ExtractorVersion != Version {
		t.Errorf("extractor version = %q", ev.ExtractorVersion)
	}
	if ev.InputRef != "sha256:deadbeef" {
		t.Errorf("input ref = %q", ev.InputRef)
	}
	if ev.SnippetMaxCharsApplied != 800 {
		t.Errorf("snippet max chars = %d", ev.SnippetMaxCharsApplied)
	}
	if ev.RunID != "run-9" {
		t.Errorf("run id = %q", ev.RunID)
	}
	if ev.SourceURL != doc.URL {
		t.Errorf("source url = %q", ev.SourceURL)
	}
}

func TestExtractEvidenceTextTruncated(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.Title = strings.Repeat("word ", 400)

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	ev := evidenceFor(res, ClaimTitle)
	if ev == nil {
		t.Fatal("missing evidence")
	}
	if n := len([]rune(ev.ExtractedText)); n > 800 {
		t.Errorf("evidence text length = %d, want <= 800", n)
	}
}

func TestExtractSnippetTruncated(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.Text = strings.Repeat("lorem ipsum ", 500)

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.Snippet == nil {
		t.Fatal("missing snippet")
	}
	if n := len([]rune(*res.Draft.Snippet)); n > 1500 {
		t.Errorf("snippet length = %d, want <= 1500", n)
	}
}

func TestExtractNoSignalsYieldsNulls(t *testing.T) {
	t.Parallel()
	res := newTestExtractor().Extract(parsedDoc(), "sha256:abc", "run-1")
	if res.Draft.Title != nil || res.Draft.AuthorHint != nil || res.Draft.PublishedAt != nil {
		t.Errorf("draft = %+v, want all nil claims", res.Draft)
	}
	if len(res.Evidence) != 0 {
		t.Errorf("evidence = %d rows, want 0", len(res.Evidence))
	}
}

func TestExtractCanonicalURLPreferred(t *testing.T) {
	t.Parallel()
	doc := parsedDoc()
	doc.URL = "https://example.com/articles/one?utm_source=feed"
	doc.CanonicalURL = "https://example.com/articles/one"
	doc.Title = "T"

	res := newTestExtractor().Extract(doc, "sha256:abc", "run-1")
	if res.Draft.CanonicalURL != "https://example.com/articles/one" {
		t.Errorf("canonical = %q", res.Draft.CanonicalURL)
	}
}
