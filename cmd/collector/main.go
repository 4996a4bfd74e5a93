// Command collector ingests author and article data from configured sources
// into a local database and exports a validated JSONL feed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pressindex/collector/internal/config"
	"github.com/pressindex/collector/internal/connectors"
	"github.com/pressindex/collector/internal/events"
	"github.com/pressindex/collector/internal/export"
	"github.com/pressindex/collector/internal/extract"
	"github.com/pressindex/collector/internal/fetch"
	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/parse"
	"github.com/pressindex/collector/internal/pipeline"
	"github.com/pressindex/collector/internal/politeness"
	"github.com/pressindex/collector/internal/resolve"
	"github.com/pressindex/collector/internal/robots"
	"github.com/pressindex/collector/internal/store"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	dbPath     string
	configPath string
	emitter    *events.Emitter
}

func newRootCommand() *cobra.Command {
	a := &app{emitter: events.New()}

	root := &cobra.Command{
		Use:           "collector",
		Short:         "Compliance-first author and article collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", "collector.db", "path to the database file")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "optional YAML config file")

	root.AddCommand(
		a.syncCommand(),
		a.exportCommand(),
		a.rollbackCommand(),
		a.reviewQueueCommand(),
		a.reviewCommand(),
		a.validateSchemasCommand(),
	)
	return root
}

func (a *app) loadConfig() (config.Compliance, error) {
	if a.configPath != "" {
		return config.LoadFile(a.configPath)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return config.Compliance{}, err
	}
	return cfg, nil
}

// cliError emits the terminal error event and passes the error through.
func (a *app) cliError(command, runID string, err error) error {
	a.emitter.Emit("cli_error", runID, map[string]any{
		"command": command,
		"error":   err.Error(),
	})
	return err
}

func (a *app) syncCommand() *cobra.Command {
	var (
		sourceID string
		seed     string
		runID    string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the ingestion pipeline for one source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				runID = uuid.NewString()
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return a.cliError("sync", runID, err)
			}

			connector, err := connectors.ForSourceID(sourceID, connectors.Options{
				UserAgent: cfg.UserAgent,
				Timeout:   cfg.FetchTimeout,
			})
			if err != nil {
				return a.cliError("sync", runID, err)
			}

			db, err := store.Open(a.dbPath)
			if err != nil {
				return a.cliError("sync", runID, err)
			}
			defer db.Close()

			checker := robots.NewChecker(cfg.UserAgent, cfg.FetchTimeout, cfg.MaxRedirects)
			gate := politeness.NewGate(cfg.MaxGlobalConcurrency, cfg.PerDomainDelay)
			fetcher, err := fetch.New(cfg, checker, gate)
			if err != nil {
				return a.cliError("sync", runID, err)
			}
			fetcher.OnWarning = func(w fetch.Warning) {
				fields := w.Fields
				delete(fields, "run_id")
				a.emitter.Emit(w.Event, runID, fields)
			}

			extractor := &extract.Extractor{
				SnippetMaxChars:         cfg.SnippetMaxChars,
				EvidenceSnippetMaxChars: cfg.EvidenceSnippetMaxChars,
			}
			extractor.OnWarning = func(claimPath, url string) {
				a.emitter.Emit("evidence_coverage_warning", runID, map[string]any{
					"claim_path": claimPath,
					"url":        url,
				})
			}

			exporter, err := export.New()
			if err != nil {
				return a.cliError("sync", runID, err)
			}

			p := &pipeline.Pipeline{
				Discover:  connector,
				Fetcher:   fetcher,
				Parser:    &parse.Parser{MaxTextChars: cfg.ReadableTextMaxChars},
				Extractor: extractor,
				Store:     db,
				Exporter:  exporter,
				Events:    a.emitter,
				ExportDir: filepath.Dir(a.dbPath),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run, runErr := p.Run(ctx, seed, sourceID, runID, dryRun)
			a.emitter.Emit("cli_sync_completed", runID, map[string]any{
				"command":                "sync",
				"source_id":              sourceID,
				"status":                 string(run.Status),
				"fetched_count":          run.FetchedCount,
				"new_articles_count":     run.NewArticlesCount,
				"updated_articles_count": run.UpdatedArticlesCount,
				"error_count":            run.ErrorCount,
			})
			if runErr != nil {
				return runErr
			}
			if run.Status != model.RunCompleted {
				return fmt.Errorf("run %s ended with status %s", runID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source-id", "", "source identifier (rss:, arxiv:, or html: prefix)")
	cmd.Flags().StringVar(&seed, "seed", "", "seed file path or URL")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when omitted)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run the full pipeline without writing articles or exporting")
	cmd.MarkFlagRequired("source-id")
	cmd.MarkFlagRequired("seed")
	return cmd
}

func (a *app) exportCommand() *cobra.Command {
	var (
		output string
		runID  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all articles as validated JSONL",
		Long: "Export all stored articles as JSONL, validating every row against the\n" +
			"article schema. The export stops at the first invalid row; lines already\n" +
			"written remain in the output file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.dbPath)
			if err != nil {
				return a.cliError("export", runID, err)
			}
			defer db.Close()

			exporter, err := export.New()
			if err != nil {
				return a.cliError("export", runID, err)
			}
			articles, err := db.ListArticles(cmd.Context())
			if err != nil {
				return a.cliError("export", runID, err)
			}
			written, err := exporter.WriteFile(cmd.Context(), output, articles)
			if err != nil {
				a.emitter.Emit("pipeline_export_error", runID, map[string]any{
					"path":  output,
					"error": err.Error(),
				})
				return a.cliError("export", runID, err)
			}
			a.emitter.Emit("cli_export_completed", runID, map[string]any{
				"command":   "export",
				"path":      output,
				"row_count": written,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output JSONL path")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier for event correlation")
	cmd.MarkFlagRequired("output")
	return cmd
}

func (a *app) rollbackCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo everything a run wrote",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.dbPath)
			if err != nil {
				return a.cliError("rollback", runID, err)
			}
			defer db.Close()

			summary, err := db.RollbackRun(cmd.Context(), runID)
			if err != nil {
				return a.cliError("rollback", runID, err)
			}
			a.emitter.Emit("cli_rollback_completed", runID, map[string]any{
				"command":                 "rollback",
				"fetch_log_deleted":       summary.FetchLogDeleted,
				"evidence_deleted":        summary.EvidenceDeleted,
				"versions_deleted":        summary.VersionsDeleted,
				"merge_decisions_deleted": summary.MergeDecisionsDeleted,
				"articles_deleted":        summary.ArticlesDeleted,
				"articles_reverted":       summary.ArticlesReverted,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id to roll back")
	cmd.MarkFlagRequired("run")
	return cmd
}

func (a *app) reviewQueueCommand() *cobra.Command {
	var (
		output   string
		minScore float64
	)
	cmd := &cobra.Command{
		Use:   "review-queue",
		Short: "Generate the author merge review queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.dbPath)
			if err != nil {
				return a.cliError("review-queue", "", err)
			}
			defer db.Close()

			authors, err := db.ListReviewAuthors(cmd.Context())
			if err != nil {
				return a.cliError("review-queue", "", err)
			}
			// Author rows must exist before any of these candidates can be
			// applied as merges.
			for _, author := range authors {
				if err := db.EnsureAuthor(cmd.Context(), model.Author{
					ID:            author.ID,
					CanonicalName: author.Name,
					Metadata:      map[string]any{"source_id": author.SourceID},
				}); err != nil {
					return a.cliError("review-queue", "", err)
				}
			}

			file := resolve.BuildReviewFile(authors, minScore)
			if err := resolve.WriteReviewFile(output, file); err != nil {
				return a.cliError("review-queue", "", err)
			}
			a.emitter.Emit("cli_review_queue_completed", "", map[string]any{
				"command":         "review-queue",
				"path":            output,
				"candidate_count": len(file.Candidates),
				"min_score":       minScore,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output review file path")
	cmd.Flags().Float64Var(&minScore, "min-score", 0.6, "minimum candidate score to include")
	cmd.MarkFlagRequired("output")
	return cmd
}

func (a *app) reviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Author merge review workflow",
	}
	cmd.AddCommand(a.reviewApplyCommand())
	return cmd
}

func (a *app) reviewApplyCommand() *cobra.Command {
	var (
		runID     string
		createdBy string
	)
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply reviewed merge decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				runID = uuid.NewString()
			}
			file, err := resolve.ReadReviewFile(args[0])
			if err != nil {
				return a.cliError("review apply", runID, err)
			}

			db, err := store.Open(a.dbPath)
			if err != nil {
				return a.cliError("review apply", runID, err)
			}
			defer db.Close()

			run := model.NewRunLog(runID, "review:apply")
			if err := db.CreateRunLog(cmd.Context(), run); err != nil {
				return a.cliError("review apply", runID, err)
			}

			counters, err := applyDecisions(cmd.Context(), db, file, runID, createdBy)
			if err != nil {
				run.Status = model.RunFailed
				run.ErrorMessage = err.Error()
				now := time.Now().UTC()
				run.EndedAt = &now
				_ = db.FinishRunLog(cmd.Context(), run)
				return a.cliError("review apply", runID, err)
			}

			run.Status = model.RunCompleted
			run.ErrorCount = counters.Invalid
			now := time.Now().UTC()
			run.EndedAt = &now
			if err := db.FinishRunLog(cmd.Context(), run); err != nil {
				return a.cliError("review apply", runID, err)
			}

			a.emitter.Emit("cli_review_apply_completed", runID, map[string]any{
				"command":    "review apply",
				"accepted":   counters.Accepted,
				"duplicates": counters.Duplicates,
				"rejected":   counters.Rejected,
				"held":       counters.Held,
				"invalid":    counters.Invalid,
			})
			if counters.Invalid > 0 {
				return fmt.Errorf("%d invalid review rows", counters.Invalid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when omitted)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "reviewer name recorded on merge decisions")
	return cmd
}

type applyCounters struct {
	Accepted   int
	Duplicates int
	Rejected   int
	Held       int
	Invalid    int
}

// applyDecisions walks the review file. Accepted candidates become merge
// decisions (idempotent by candidate id); reject, hold, and null are no-ops;
// any other decision value is invalid. Storage errors abort the command.
func applyDecisions(ctx context.Context, db *store.Store, file resolve.ReviewFile, runID, createdBy string) (applyCounters, error) {
	var counters applyCounters
	for _, candidate := range file.Candidates {
		decision := ""
		if candidate.Decision != nil {
			decision = strings.ToLower(strings.TrimSpace(*candidate.Decision))
		}
		switch decision {
		case "":
			counters.Held++
		case resolve.DecisionHold:
			counters.Held++
		case resolve.DecisionReject:
			counters.Rejected++
		case resolve.DecisionAccept:
			if candidate.ID == "" || candidate.FromAuthor.ID == "" || candidate.ToAuthor.ID == "" {
				counters.Invalid++
				continue
			}
			criteria, err := json.Marshal(map[string]any{
				"score":             candidate.Score,
				"confidence":        candidate.Confidence,
				"scoring_breakdown": candidate.ScoringBreakdown,
			})
			if err != nil {
				return counters, err
			}
			inserted, err := db.SaveMergeDecision(ctx, model.MergeDecision{
				ID:               candidate.ID,
				FromAuthorID:     candidate.FromAuthor.ID,
				ToAuthorID:       candidate.ToAuthor.ID,
				EvidenceIDs:      candidate.Evidence,
				DecisionCriteria: string(criteria),
				CreatedBy:        createdBy,
				RunID:            runID,
			})
			if err != nil {
				return counters, err
			}
			if inserted {
				counters.Accepted++
			} else {
				counters.Duplicates++
			}
		default:
			counters.Invalid++
		}
	}
	return counters, nil
}

func (a *app) validateSchemasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-schemas",
		Short: "Check that the embedded export schemas compile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := export.ValidateSchemas(); err != nil {
				return a.cliError("validate-schemas", "", err)
			}
			a.emitter.Emit("cli_validate_schemas_completed", "", map[string]any{
				"command": "validate-schemas",
			})
			return nil
		},
	}
}
