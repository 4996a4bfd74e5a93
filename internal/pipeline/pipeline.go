// Package pipeline composes the run: discover, fetch, parse, extract, store,
// export. Per-URL failures are contained and counted; discovery and export
// failures end the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pressindex/collector/internal/events"
	"github.com/pressindex/collector/internal/extract"
	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/store"
	"github.com/pressindex/collector/internal/urlnorm"
)

// DiscoverStage yields candidate URLs from a seed.
type DiscoverStage interface {
	Discover(ctx context.Context, seed string) ([]string, error)
}

// FetchStage retrieves one URL; failures come back as the log's error code.
type FetchStage interface {
	Fetch(ctx context.Context, rawURL, runID, etag, lastModified string) (*model.FetchedDoc, model.FetchLog)
}

// ParseStage turns fetched bytes into a normalized document.
type ParseStage interface {
	Parse(pageURL string, body []byte, contentType string) (*model.Parsed, error)
}

// ExtractStage builds the article draft and its evidence chain.
type ExtractStage interface {
	Extract(doc *model.Parsed, inputRef, runID string) extract.Result
}

// RunStore is the persistence surface the pipeline needs; *store.Store
// satisfies it.
type RunStore interface {
	CreateRunLog(ctx context.Context, run model.RunLog) error
	FinishRunLog(ctx context.Context, run model.RunLog) error
	SaveFetchLog(ctx context.Context, fl model.FetchLog) error
	UpsertArticle(ctx context.Context, draft model.ArticleDraft, evidence []model.Evidence, runID string) (store.UpsertOutcome, error)
	ListArticles(ctx context.Context) ([]model.Article, error)
}

// ExportStage writes the validated feed file.
type ExportStage interface {
	WriteFile(ctx context.Context, path string, articles []model.Article) (int, error)
}

// Pipeline wires the stages together. All fields are required except Events.
type Pipeline struct {
	Discover  DiscoverStage
	Fetcher   FetchStage
	Parser    ParseStage
	Extractor ExtractStage
	Store     RunStore
	Exporter  ExportStage

	Events    *events.Emitter
	ExportDir string
}

// Run executes one ingestion run for a seed. With dryRun set, the full
// discover, fetch, parse, extract path still runs and fetch attempts are still
// logged; only article writes and the export file are skipped.
func (p *Pipeline) Run(ctx context.Context, seed, sourceID, runID string, dryRun bool) (model.RunLog, error) {
	run := model.NewRunLog(runID, sourceID)
	p.emit("pipeline_run_started", runID, map[string]any{
		"source_id": sourceID,
		"seed":      seed,
		"dry_run":   dryRun,
	})

	if err := p.Store.CreateRunLog(ctx, run); err != nil {
		return run, fmt.Errorf("create run log: %w", err)
	}

	urls, err := p.Discover.Discover(ctx, seed)
	if err != nil {
		return p.fail(ctx, run, "pipeline_run_error", fmt.Errorf("discover %s: %w", seed, err))
	}
	urls = dedupeCanonical(urls)
	p.emit("pipeline_discovered", runID, map[string]any{
		"source_id": sourceID,
		"url_count": len(urls),
	})

	for _, pageURL := range urls {
		if err := ctx.Err(); err != nil {
			return p.cancel(ctx, run, err)
		}
		if dryRun {
			p.emit("pipeline_candidate", runID, map[string]any{"url": pageURL})
		}
		p.processURL(ctx, pageURL, sourceID, runID, &run, dryRun)
	}

	if !dryRun {
		articles, err := p.Store.ListArticles(ctx)
		if err != nil {
			return p.fail(ctx, run, "pipeline_export_error", fmt.Errorf("list articles for export: %w", err))
		}
		exportPath := filepath.Join(p.ExportDir, fmt.Sprintf("export_%s.jsonl", runID))
		written, err := p.Exporter.WriteFile(ctx, exportPath, articles)
		if err != nil {
			return p.fail(ctx, run, "pipeline_export_error", fmt.Errorf("export: %w", err))
		}
		p.emit("pipeline_exported", runID, map[string]any{
			"path":      exportPath,
			"row_count": written,
		})
	}

	run.Status = model.RunCompleted
	now := time.Now().UTC()
	run.EndedAt = &now
	if err := p.Store.FinishRunLog(ctx, run); err != nil {
		return run, fmt.Errorf("finish run log: %w", err)
	}
	p.emitCompleted(run)
	return run, nil
}

// processURL runs one URL through fetch, parse, extract, and store. Failures
// increment the error counter and emit a stage error event; they never stop
// the run. Every fetch attempt counts toward fetched_count, succeeded or not.
func (p *Pipeline) processURL(ctx context.Context, pageURL, sourceID, runID string, run *model.RunLog, dryRun bool) {
	doc, fetchLog := p.Fetcher.Fetch(ctx, pageURL, runID, "", "")
	if err := p.Store.SaveFetchLog(ctx, fetchLog); err != nil {
		p.stageError(runID, "store", pageURL, err)
	}
	if p.Events != nil {
		p.Events.EmitFetchLog(fetchLog)
	}
	run.FetchedCount++
	if fetchLog.ErrorCode != "" {
		run.ErrorCount++
		return
	}

	if doc.Body == nil {
		// 304: nothing changed upstream.
		return
	}

	parsed, err := p.Parser.Parse(doc.FinalURL, doc.Body, doc.Headers["Content-Type"])
	if err != nil {
		run.ErrorCount++
		p.stageError(runID, "parse", pageURL, err)
		return
	}

	result := p.Extractor.Extract(parsed, "sha256:"+doc.BodySHA256, runID)
	result.Draft.SourceID = sourceID
	if dryRun {
		return
	}

	outcome, err := p.Store.UpsertArticle(ctx, result.Draft, result.Evidence, runID)
	if err != nil {
		run.ErrorCount++
		p.stageError(runID, "store", pageURL, err)
		return
	}
	switch {
	case outcome.Created:
		run.NewArticlesCount++
	case outcome.Updated:
		run.UpdatedArticlesCount++
	}
}

func (p *Pipeline) fail(ctx context.Context, run model.RunLog, eventType string, cause error) (model.RunLog, error) {
	run.Status = model.RunFailed
	run.ErrorMessage = cause.Error()
	now := time.Now().UTC()
	run.EndedAt = &now
	fields := map[string]any{
		"source_id": run.SourceID,
		"error":     cause.Error(),
	}
	if eventType == "pipeline_export_error" {
		fields["stage"] = "export"
	}
	p.emit(eventType, run.ID, fields)
	if err := p.Store.FinishRunLog(ctx, run); err != nil {
		return run, errors.Join(cause, err)
	}
	return run, cause
}

func (p *Pipeline) cancel(ctx context.Context, run model.RunLog, cause error) (model.RunLog, error) {
	run.Status = model.RunCancelled
	run.ErrorMessage = cause.Error()
	now := time.Now().UTC()
	run.EndedAt = &now
	p.emit("pipeline_run_cancelled", run.ID, map[string]any{
		"source_id": run.SourceID,
	})
	// Finish with a fresh context: the run context is already done.
	finishCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := p.Store.FinishRunLog(finishCtx, run); err != nil {
		return run, errors.Join(cause, err)
	}
	return run, cause
}

func (p *Pipeline) stageError(runID, stage, pageURL string, err error) {
	p.emit("pipeline_stage_error", runID, map[string]any{
		"stage": stage,
		"url":   pageURL,
		"error": err.Error(),
	})
}

func (p *Pipeline) emitCompleted(run model.RunLog) {
	p.emit("pipeline_run_completed", run.ID, map[string]any{
		"source_id":              run.SourceID,
		"status":                 string(run.Status),
		"fetched_count":          run.FetchedCount,
		"new_articles_count":     run.NewArticlesCount,
		"updated_articles_count": run.UpdatedArticlesCount,
		"error_count":            run.ErrorCount,
	})
}

func (p *Pipeline) emit(eventType, runID string, fields map[string]any) {
	if p.Events == nil {
		return
	}
	p.Events.Emit(eventType, runID, fields)
}

// dedupeCanonical drops URLs that canonicalize to an already seen key while
// preserving first-seen order of the originals.
func dedupeCanonical(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	var out []string
	for _, u := range urls {
		key := urlnorm.Canonicalize(u)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
