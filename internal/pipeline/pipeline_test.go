package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/pressindex/collector/internal/events"
	"github.com/pressindex/collector/internal/extract"
	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/store"
)

type fakeDiscover struct {
	urls []string
	err  error
}

func (f *fakeDiscover) Discover(ctx context.Context, seed string) ([]string, error) {
	return f.urls, f.err
}

type fakeFetcher struct {
	failWith map[string]model.FetchErrorCode
	bodies   map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, runID, etag, lastModified string) (*model.FetchedDoc, model.FetchLog) {
	log := model.NewFetchLog(rawURL, runID)
	if code, ok := f.failWith[rawURL]; ok {
		log.ErrorCode = code
		return nil, log
	}
	log.StatusCode = 200
	body := f.bodies[rawURL]
	log.BytesReceived = len(body)
	return &model.FetchedDoc{
		StatusCode: 200,
		FinalURL:   rawURL,
		Headers:    map[string]string{"Content-Type": "text/html"},
		Body:       []byte(body),
		BodySHA256: "cafe",
	}, log
}

type fakeParser struct {
	failOn string
}

func (f *fakeParser) Parse(pageURL string, body []byte, contentType string) (*model.Parsed, error) {
	if pageURL == f.failOn {
		return nil, errors.New("broken markup")
	}
	return &model.Parsed{
		URL:      pageURL,
		Title:    strings.TrimSpace(string(body)),
		Text:     "body text",
		MetaTags: map[string]string{},
	}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(doc *model.Parsed, inputRef, runID string) extract.Result {
	title := doc.Title
	return extract.Result{
		Draft: model.ArticleDraft{
			CanonicalURL: doc.URL,
			Title:        &title,
		},
	}
}

type memStore struct {
	runs     map[string]model.RunLog
	fetchLog []model.FetchLog
	articles map[string]model.Article
}

func newMemStore() *memStore {
	return &memStore{
		runs:     map[string]model.RunLog{},
		articles: map[string]model.Article{},
	}
}

func (m *memStore) CreateRunLog(ctx context.Context, run model.RunLog) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) FinishRunLog(ctx context.Context, run model.RunLog) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) SaveFetchLog(ctx context.Context, fl model.FetchLog) error {
	m.fetchLog = append(m.fetchLog, fl)
	return nil
}

func (m *memStore) UpsertArticle(ctx context.Context, draft model.ArticleDraft, evidence []model.Evidence, runID string) (store.UpsertOutcome, error) {
	key := draft.CanonicalURL + "|" + draft.SourceID
	if existing, ok := m.articles[key]; ok {
		existing.Title = draft.Title
		existing.Version++
		m.articles[key] = existing
		return store.UpsertOutcome{Article: existing, Updated: true}, nil
	}
	article := model.Article{
		ID:           fmt.Sprintf("a-%d", len(m.articles)+1),
		CanonicalURL: draft.CanonicalURL,
		SourceID:     draft.SourceID,
		Title:        draft.Title,
		Version:      1,
	}
	m.articles[key] = article
	return store.UpsertOutcome{Article: article, Created: true}, nil
}

func (m *memStore) ListArticles(ctx context.Context) ([]model.Article, error) {
	var out []model.Article
	for _, a := range m.articles {
		out = append(out, a)
	}
	return out, nil
}

type fakeExporter struct {
	err   error
	paths []string
}

func (f *fakeExporter) WriteFile(ctx context.Context, path string, articles []model.Article) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.paths = append(f.paths, path)
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		return 0, err
	}
	return len(articles), nil
}

func newTestPipeline(t *testing.T, d DiscoverStage, f FetchStage, ms *memStore, exporter ExportStage, buf *bytes.Buffer) *Pipeline {
	t.Helper()
	return &Pipeline{
		Discover:  d,
		Fetcher:   f,
		Parser:    &fakeParser{},
		Extractor: fakeExtractor{},
		Store:     ms,
		Exporter:  exporter,
		Events:    events.NewWriter(buf),
		ExportDir: t.TempDir(),
	}
}

func eventTypes(buf *bytes.Buffer) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var obj map[string]any
		if json.Unmarshal([]byte(line), &obj) == nil {
			if et, ok := obj["event_type"].(string); ok {
				out = append(out, et)
			}
		}
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	exporter := &fakeExporter{}
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{"https://example.com/a", "https://example.com/b"}},
		&fakeFetcher{bodies: map[string]string{
			"https://example.com/a": "Title A",
			"https://example.com/b": "Title B",
		}},
		ms, exporter, &buf)

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	if run.FetchedCount != 2 || run.NewArticlesCount != 2 || run.ErrorCount != 0 {
		t.Errorf("counts = %+v", run)
	}
	if len(exporter.paths) != 1 || !strings.HasSuffix(exporter.paths[0], "export_run-1.jsonl") {
		t.Errorf("export paths = %v", exporter.paths)
	}
	if len(ms.fetchLog) != 2 {
		t.Errorf("fetch log rows = %d", len(ms.fetchLog))
	}
}

func TestRunDedupesCanonicalDuplicates(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{
			"https://example.com/a?utm_source=feed",
			"https://example.com/a",
		}},
		&fakeFetcher{bodies: map[string]string{
			"https://example.com/a?utm_source=feed": "Title A",
		}},
		ms, &fakeExporter{}, &buf)

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.FetchedCount != 1 {
		t.Errorf("fetched = %d, want 1 after canonical dedupe", run.FetchedCount)
	}
}

func TestRunContainsPerURLFailures(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{"https://example.com/bad", "https://example.com/good"}},
		&fakeFetcher{
			failWith: map[string]model.FetchErrorCode{"https://example.com/bad": model.FetchTimeout},
			bodies:   map[string]string{"https://example.com/good": "Title"},
		},
		ms, &fakeExporter{}, &buf)

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("status = %s, one bad URL must not fail the run", run.Status)
	}
	// fetched_count counts attempts, not successes.
	if run.ErrorCount != 1 || run.FetchedCount != 2 || run.NewArticlesCount != 1 {
		t.Errorf("counts = %+v", run)
	}
}

func TestRunParseFailureEmitsStageError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{"https://example.com/a"}},
		&fakeFetcher{bodies: map[string]string{"https://example.com/a": "x"}},
		ms, &fakeExporter{}, &buf)
	p.Parser = &fakeParser{failOn: "https://example.com/a"}

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.ErrorCount != 1 {
		t.Errorf("error count = %d", run.ErrorCount)
	}
	var sawStageError bool
	for _, et := range eventTypes(&buf) {
		if et == "pipeline_stage_error" {
			sawStageError = true
		}
	}
	if !sawStageError {
		t.Error("missing pipeline_stage_error event")
	}
}

func TestRunDiscoverFailureIsFatal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	p := newTestPipeline(t,
		&fakeDiscover{err: errors.New("feed unreachable")},
		&fakeFetcher{}, ms, &fakeExporter{}, &buf)

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != model.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	var sawRunError bool
	for _, et := range eventTypes(&buf) {
		if et == "pipeline_run_error" {
			sawRunError = true
		}
	}
	if !sawRunError {
		t.Error("missing pipeline_run_error event")
	}
}

func TestRunExportFailureIsFatal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{"https://example.com/a"}},
		&fakeFetcher{bodies: map[string]string{"https://example.com/a": "Title"}},
		ms, &fakeExporter{err: errors.New("schema violation")}, &buf)

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != model.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	var sawExportError, sawRunError bool
	for _, et := range eventTypes(&buf) {
		switch et {
		case "pipeline_export_error":
			sawExportError = true
		case "pipeline_run_error":
			sawRunError = true
		}
	}
	if !sawExportError {
		t.Error("missing pipeline_export_error event")
	}
	if sawRunError {
		t.Error("export failures must not emit pipeline_run_error")
	}
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{"https://example.com/a"}},
		&fakeFetcher{bodies: map[string]string{"https://example.com/a": "Title"}},
		ms, &fakeExporter{}, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := p.Run(ctx, "seed", "rss:test", "run-1", false)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if run.Status != model.RunCancelled {
		t.Fatalf("status = %s", run.Status)
	}
	if saved, ok := ms.runs["run-1"]; !ok || saved.Status != model.RunCancelled {
		t.Errorf("stored run = %+v", saved)
	}
}

func TestRunDryRunFetchesWithoutWritingArticles(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ms := newMemStore()
	exporter := &fakeExporter{}
	p := newTestPipeline(t,
		&fakeDiscover{urls: []string{"https://example.com/a", "https://example.com/b"}},
		&fakeFetcher{bodies: map[string]string{
			"https://example.com/a": "Title A",
			"https://example.com/b": "Title B",
		}},
		ms, exporter, &buf)

	run, err := p.Run(context.Background(), "seed", "rss:test", "run-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	// The whole pipeline runs and its attempts are logged; only article
	// writes and the export are withheld.
	if run.FetchedCount != 2 {
		t.Errorf("fetched = %d, want 2", run.FetchedCount)
	}
	if len(ms.fetchLog) != 2 {
		t.Errorf("fetch log rows = %d, want 2", len(ms.fetchLog))
	}
	if _, ok := ms.runs["run-1"]; !ok {
		t.Error("dry run must still record a run_log row")
	}
	if len(ms.articles) != 0 {
		t.Error("dry run must not write articles")
	}
	if len(exporter.paths) != 0 {
		t.Error("dry run must not export")
	}
	var candidates int
	for _, et := range eventTypes(&buf) {
		if et == "pipeline_candidate" {
			candidates++
		}
	}
	if candidates != 2 {
		t.Errorf("candidate events = %d, want 2", candidates)
	}
}
