// Package extract turns a parsed document into an article draft plus its
// evidence chain. Every claimed field is backed by at least one evidence row;
// a claim that ends up without evidence is nulled, never published bare.
package extract

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/parse"
	"github.com/pressindex/collector/internal/urlnorm"
)

// Version identifies the extraction rules for evidence replay.
const Version = "collector-extract@1.0"

const (
	ClaimTitle       = "/title"
	ClaimAuthorHint  = "/author_hint"
	ClaimPublishedAt = "/published_at"
)

// Extractor is the extract stage. Construct with the configured limits.
type Extractor struct {
	SnippetMaxChars         int
	EvidenceSnippetMaxChars int

	// OnWarning receives coverage warnings (claim nulled for lack of
	// evidence). Optional.
	OnWarning func(claimPath, url string)
}

// Result pairs the draft with its evidence chain. Evidence rows have no
// ArticleID yet; storage assigns it at upsert time.
type Result struct {
	Draft    model.ArticleDraft
	Evidence []model.Evidence
}

// Extract builds the draft and evidence for one parsed document.
func (e *Extractor) Extract(doc *model.Parsed, inputRef, runID string) Result {
	now := time.Now().UTC()
	canonical := doc.CanonicalURL
	if canonical == "" {
		canonical = doc.URL
	}
	canonical = urlnorm.Canonicalize(canonical)

	res := Result{
		Draft: model.ArticleDraft{CanonicalURL: canonical},
	}

	ev := evidenceBuilder{
		extractor: e,
		sourceURL: doc.URL,
		inputRef:  inputRef,
		runID:     runID,
		now:       now,
	}

	if title, evidence, ok := e.extractTitle(doc, ev); ok {
		res.Draft.Title = &title
		res.Evidence = append(res.Evidence, evidence)
	}
	if author, evidence, ok := e.extractAuthorHint(doc, ev); ok {
		res.Draft.AuthorHint = &author
		res.Evidence = append(res.Evidence, evidence)
	}
	if published, evidence, ok := e.extractPublishedAt(doc, ev); ok {
		res.Draft.PublishedAt = &published
		res.Evidence = append(res.Evidence, evidence)
	}

	if doc.Text != "" {
		snippet := parse.TruncateAtWord(doc.Text, e.SnippetMaxChars)
		res.Draft.Snippet = &snippet
	}

	res = e.enforceCoverage(res, doc.URL)
	return res
}

// extractTitle walks the title priority chain: JSON-LD headline or name, then
// og:title / twitter:title meta tags, then the parsed title.
func (e *Extractor) extractTitle(doc *model.Parsed, ev evidenceBuilder) (string, model.Evidence, bool) {
	if block, ok := parse.BestArticleBlock(doc.JSONLDBlocks); ok {
		for _, key := range []string{"headline", "name"} {
			if value := parse.StringField(block, key); value != "" {
				return value, ev.build(ClaimTitle, model.EvidenceJSONLD,
					"json_ld."+key, value, 0.9, nil), true
			}
		}
	}
	for _, key := range parse.TitleMetaKeys {
		if value := doc.MetaTags[key]; value != "" {
			return value, ev.build(ClaimTitle, model.EvidenceMetaTag,
				"meta."+key, value, 0.8, map[string]string{"tag": key}), true
		}
	}
	if doc.Title != "" {
		return doc.Title, ev.build(ClaimTitle, model.EvidenceExtracted,
			"parsed.title", doc.Title, 0.6, nil), true
	}
	if doc.HTMLTitle != "" {
		return doc.HTMLTitle, ev.build(ClaimTitle, model.EvidenceExtracted,
			"parsed.html_title", doc.HTMLTitle, 0.5, nil), true
	}
	return "", model.Evidence{}, false
}

// extractAuthorHint walks the author chain: the first JSON-LD author, then
// author meta tags (splitting multi-author values), then the parser's merged
// author list.
func (e *Extractor) extractAuthorHint(doc *model.Parsed, ev evidenceBuilder) (string, model.Evidence, bool) {
	if block, ok := parse.BestArticleBlock(doc.JSONLDBlocks); ok {
		if authors := parse.JSONLDAuthors(block); len(authors) > 0 {
			return authors[0], ev.build(ClaimAuthorHint, model.EvidenceJSONLD,
				"json_ld.author", authors[0], 0.9,
				map[string]string{"author_count": fmt.Sprint(len(authors))}), true
		}
	}
	for _, key := range parse.AuthorMetaKeys {
		if value := doc.MetaTags[key]; value != "" {
			names := parse.SplitAuthorList(value)
			if len(names) > 0 {
				return names[0], ev.build(ClaimAuthorHint, model.EvidenceMetaTag,
					"meta."+key, names[0], 0.75,
					map[string]string{"tag": key, "author_count": fmt.Sprint(len(names))}), true
			}
		}
	}
	if len(doc.AuthorNames) > 0 {
		return doc.AuthorNames[0], ev.build(ClaimAuthorHint, model.EvidenceExtracted,
			"parsed.author_names", doc.AuthorNames[0], 0.5, nil), true
	}
	return "", model.Evidence{}, false
}

// extractPublishedAt walks the date chain: JSON-LD datePublished or
// dateCreated, then published-time meta tags, then the parsed date.
func (e *Extractor) extractPublishedAt(doc *model.Parsed, ev evidenceBuilder) (time.Time, model.Evidence, bool) {
	if block, ok := parse.BestArticleBlock(doc.JSONLDBlocks); ok {
		for _, key := range []string{"datePublished", "dateCreated"} {
			raw := parse.StringField(block, key)
			if dt, ok := parse.ParseDate(raw); ok {
				return dt, ev.build(ClaimPublishedAt, model.EvidenceJSONLD,
					"json_ld."+key, raw, 0.9, nil), true
			}
		}
	}
	for _, key := range parse.DateMetaKeys {
		raw := doc.MetaTags[key]
		if dt, ok := parse.ParseDate(raw); ok {
			return dt, ev.build(ClaimPublishedAt, model.EvidenceMetaTag,
				"meta."+key, raw, 0.75, map[string]string{"tag": key}), true
		}
	}
	if doc.DatePublished != nil {
		dt := doc.DatePublished.UTC()
		return dt, ev.build(ClaimPublishedAt, model.EvidenceExtracted,
			"parsed.date", dt.Format(time.RFC3339), 0.5, nil), true
	}
	return time.Time{}, model.Evidence{}, false
}

// enforceCoverage nulls any claimed field that lost its evidence row, and
// reports the gap through OnWarning.
func (e *Extractor) enforceCoverage(res Result, pageURL string) Result {
	covered := map[string]bool{}
	for _, ev := range res.Evidence {
		covered[ev.ClaimPath] = true
	}
	warn := func(claim string) {
		if e.OnWarning != nil {
			e.OnWarning(claim, pageURL)
		}
	}
	if res.Draft.Title != nil && !covered[ClaimTitle] {
		res.Draft.Title = nil
		warn(ClaimTitle)
	}
	if res.Draft.AuthorHint != nil && !covered[ClaimAuthorHint] {
		res.Draft.AuthorHint = nil
		warn(ClaimAuthorHint)
	}
	if res.Draft.PublishedAt != nil && !covered[ClaimPublishedAt] {
		res.Draft.PublishedAt = nil
		warn(ClaimPublishedAt)
	}
	return res
}

type evidenceBuilder struct {
	extractor *Extractor
	sourceURL string
	inputRef  string
	runID     string
	now       time.Time
}

func (b evidenceBuilder) build(claim string, typ model.EvidenceType, method, text string, confidence float64, metadata map[string]string) model.Evidence {
	maxChars := b.extractor.EvidenceSnippetMaxChars
	return model.Evidence{
		ID:                     uuid.NewString(),
		ClaimPath:              claim,
		EvidenceType:           typ,
		SourceURL:              b.sourceURL,
		ExtractionMethod:       method,
		ExtractedText:          parse.TruncateAtWord(text, maxChars),
		Confidence:             confidence,
		Metadata:               metadata,
		RetrievedAt:            b.now,
		ExtractorVersion:       Version,
		InputRef:               b.inputRef,
		SnippetMaxCharsApplied: maxChars,
		CreatedAt:              b.now,
		RunID:                  b.runID,
	}
}
