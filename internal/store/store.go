// Package store is the SQLite persistence layer: articles with content-hash
// versioning, evidence chains, audit logs, and per-run rollback.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/urlnorm"
)

// Store wraps one SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertOutcome reports what one article upsert did.
type UpsertOutcome struct {
	Article model.Article
	Created bool
	Updated bool
}

// ContentHash is the stable hash over the claimable fields. JSON object keys
// marshal in sorted order, so the hash is deterministic across processes.
func ContentHash(draft model.ArticleDraft) string {
	payload := map[string]any{
		"title":            nil,
		"author_hint":      nil,
		"snippet":          nil,
		"published_at_iso": nil,
	}
	if draft.Title != nil {
		payload["title"] = *draft.Title
	}
	if draft.AuthorHint != nil {
		payload["author_hint"] = *draft.AuthorHint
	}
	if draft.Snippet != nil {
		payload["snippet"] = *draft.Snippet
	}
	if draft.PublishedAt != nil {
		payload["published_at_iso"] = draft.PublishedAt.UTC().Format(time.RFC3339)
	}
	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// UpsertArticle stores a draft with its evidence. Identity is
// (canonical_url, source_id): a new pair inserts version 1, a changed content
// hash bumps the version, replaces the evidence set, and writes a full
// snapshot; an unchanged hash is a no-op that records nothing.
func (s *Store) UpsertArticle(ctx context.Context, draft model.ArticleDraft, evidence []model.Evidence, runID string) (UpsertOutcome, error) {
	draft.CanonicalURL = urlnorm.Canonicalize(draft.CanonicalURL)
	hash := ContentHash(draft)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		existingID      string
		existingHash    string
		existingVersion int
		existingCreated string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, content_hash, version, created_at FROM articles WHERE canonical_url = ? AND source_id = ?`,
		draft.CanonicalURL, draft.SourceID,
	).Scan(&existingID, &existingHash, &existingVersion, &existingCreated)

	switch {
	case err == sql.ErrNoRows:
		article := model.Article{
			ID:           uuid.NewString(),
			CanonicalURL: draft.CanonicalURL,
			SourceID:     draft.SourceID,
			Title:        draft.Title,
			AuthorHint:   draft.AuthorHint,
			PublishedAt:  draft.PublishedAt,
			Snippet:      draft.Snippet,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO articles (id, canonical_url, source_id, title, author_hint, published_at, snippet, content_hash, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			article.ID, article.CanonicalURL, article.SourceID,
			nullStr(article.Title), nullStr(article.AuthorHint), nullTime(article.PublishedAt), nullStr(article.Snippet),
			hash, article.Version, fmtTime(now), fmtTime(now),
		); err != nil {
			return UpsertOutcome{}, fmt.Errorf("insert article: %w", err)
		}
		article.Evidence, err = insertEvidence(ctx, tx, article.ID, evidence)
		if err != nil {
			return UpsertOutcome{}, err
		}
		if err := insertVersion(ctx, tx, article, hash, runID, now); err != nil {
			return UpsertOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertOutcome{}, fmt.Errorf("commit upsert: %w", err)
		}
		return UpsertOutcome{Article: article, Created: true}, nil

	case err != nil:
		return UpsertOutcome{}, fmt.Errorf("lookup article: %w", err)

	case existingHash == hash:
		article, err := s.loadArticleTx(ctx, tx, existingID)
		if err != nil {
			return UpsertOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertOutcome{}, fmt.Errorf("commit upsert: %w", err)
		}
		return UpsertOutcome{Article: article}, nil

	default:
		createdAt, _ := time.Parse(time.RFC3339Nano, existingCreated)
		article := model.Article{
			ID:           existingID,
			CanonicalURL: draft.CanonicalURL,
			SourceID:     draft.SourceID,
			Title:        draft.Title,
			AuthorHint:   draft.AuthorHint,
			PublishedAt:  draft.PublishedAt,
			Snippet:      draft.Snippet,
			Version:      existingVersion + 1,
			CreatedAt:    createdAt,
			UpdatedAt:    now,
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE articles SET title = ?, author_hint = ?, published_at = ?, snippet = ?, content_hash = ?, version = ?, updated_at = ? WHERE id = ?`,
			nullStr(article.Title), nullStr(article.AuthorHint), nullTime(article.PublishedAt), nullStr(article.Snippet),
			hash, article.Version, fmtTime(now), article.ID,
		); err != nil {
			return UpsertOutcome{}, fmt.Errorf("update article: %w", err)
		}
		// The evidence chain describes the current version only; older chains
		// live on in their version snapshots.
		if _, err := tx.ExecContext(ctx, `DELETE FROM evidence WHERE article_id = ?`, article.ID); err != nil {
			return UpsertOutcome{}, fmt.Errorf("clear evidence: %w", err)
		}
		article.Evidence, err = insertEvidence(ctx, tx, article.ID, evidence)
		if err != nil {
			return UpsertOutcome{}, err
		}
		if err := insertVersion(ctx, tx, article, hash, runID, now); err != nil {
			return UpsertOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertOutcome{}, fmt.Errorf("commit upsert: %w", err)
		}
		return UpsertOutcome{Article: article, Updated: true}, nil
	}
}

func insertEvidence(ctx context.Context, tx *sql.Tx, articleID string, evidence []model.Evidence) ([]model.Evidence, error) {
	out := make([]model.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		ev.ArticleID = articleID
		var metadata any
		if len(ev.Metadata) > 0 {
			encoded, err := json.Marshal(ev.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encode evidence metadata: %w", err)
			}
			metadata = string(encoded)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evidence (id, article_id, claim_path, evidence_type, source_url, extraction_method, extracted_text, confidence, metadata, retrieved_at, extractor_version, input_ref, snippet_max_chars_applied, created_at, run_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.ArticleID, ev.ClaimPath, string(ev.EvidenceType), ev.SourceURL, ev.ExtractionMethod,
			ev.ExtractedText, ev.Confidence, metadata, fmtTime(ev.RetrievedAt),
			ev.ExtractorVersion, ev.InputRef, ev.SnippetMaxCharsApplied, fmtTime(ev.CreatedAt), ev.RunID,
		); err != nil {
			return nil, fmt.Errorf("insert evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, article model.Article, hash, runID string, now time.Time) error {
	snapshot, err := json.Marshal(article.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (id, article_id, version, title, author_hint, published_at, snippet, content_hash, evidence_snapshot, created_at, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), article.ID, article.Version,
		nullStr(article.Title), nullStr(article.AuthorHint), nullTime(article.PublishedAt), nullStr(article.Snippet),
		hash, string(snapshot), fmtTime(now), runID,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// GetArticle loads one article with its evidence.
func (s *Store) GetArticle(ctx context.Context, id string) (model.Article, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.Article{}, err
	}
	defer tx.Rollback()
	return s.loadArticleTx(ctx, tx, id)
}

func (s *Store) loadArticleTx(ctx context.Context, tx *sql.Tx, id string) (model.Article, error) {
	var (
		a           model.Article
		title       sql.NullString
		authorHint  sql.NullString
		publishedAt sql.NullString
		snippet     sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, canonical_url, source_id, title, author_hint, published_at, snippet, version, created_at, updated_at FROM articles WHERE id = ?`,
		id,
	).Scan(&a.ID, &a.CanonicalURL, &a.SourceID, &title, &authorHint, &publishedAt, &snippet, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return model.Article{}, fmt.Errorf("load article %s: %w", id, err)
	}
	a.Title = strPtr(title)
	a.AuthorHint = strPtr(authorHint)
	a.PublishedAt = timePtr(publishedAt)
	a.Snippet = strPtr(snippet)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	a.Evidence, err = loadEvidenceTx(ctx, tx, id)
	if err != nil {
		return model.Article{}, err
	}
	return a, nil
}

func loadEvidenceTx(ctx context.Context, tx *sql.Tx, articleID string) ([]model.Evidence, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, article_id, claim_path, evidence_type, source_url, extraction_method, extracted_text, confidence, metadata, retrieved_at, extractor_version, input_ref, snippet_max_chars_applied, created_at, run_id
		 FROM evidence WHERE article_id = ? ORDER BY claim_path, id`,
		articleID,
	)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var (
			ev          model.Evidence
			method      sql.NullString
			metadata    sql.NullString
			retrievedAt string
			extVersion  sql.NullString
			inputRef    sql.NullString
			maxChars    sql.NullInt64
			createdAt   string
		)
		if err := rows.Scan(&ev.ID, &ev.ArticleID, &ev.ClaimPath, &ev.EvidenceType, &ev.SourceURL, &method,
			&ev.ExtractedText, &ev.Confidence, &metadata, &retrievedAt, &extVersion, &inputRef, &maxChars,
			&createdAt, &ev.RunID); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.ExtractionMethod = method.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &ev.Metadata)
		}
		ev.RetrievedAt, _ = time.Parse(time.RFC3339Nano, retrievedAt)
		ev.ExtractorVersion = extVersion.String
		ev.InputRef = inputRef.String
		ev.SnippetMaxCharsApplied = int(maxChars.Int64)
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListArticles returns every article with evidence, ordered by
// (canonical_url, source_id) for deterministic export.
func (s *Store) ListArticles(ctx context.Context) ([]model.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM articles ORDER BY canonical_url, source_id`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Article, 0, len(ids))
	for _, id := range ids {
		article, err := s.GetArticle(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, article)
	}
	return out, nil
}

// CreateRunLog inserts a RUNNING run row.
func (s *Store) CreateRunLog(ctx context.Context, run model.RunLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (id, source_id, started_at, status, fetched_count, new_articles_count, updated_articles_count, error_count)
		 VALUES (?, ?, ?, ?, 0, 0, 0, 0)`,
		run.ID, run.SourceID, fmtTime(run.StartedAt), string(run.Status),
	)
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	return nil
}

// FinishRunLog writes the run's terminal state and counters.
func (s *Store) FinishRunLog(ctx context.Context, run model.RunLog) error {
	var ended any
	if run.EndedAt != nil {
		ended = fmtTime(*run.EndedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_log SET ended_at = ?, status = ?, error_message = ?, fetched_count = ?, new_articles_count = ?, updated_articles_count = ?, error_count = ? WHERE id = ?`,
		ended, string(run.Status), run.ErrorMessage,
		run.FetchedCount, run.NewArticlesCount, run.UpdatedArticlesCount, run.ErrorCount, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run log: %w", err)
	}
	return nil
}

// GetRunLog loads one run row.
func (s *Store) GetRunLog(ctx context.Context, runID string) (model.RunLog, error) {
	var (
		run     model.RunLog
		source  sql.NullString
		started string
		ended   sql.NullString
		errMsg  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, started_at, ended_at, status, error_message, fetched_count, new_articles_count, updated_articles_count, error_count FROM run_log WHERE id = ?`,
		runID,
	).Scan(&run.ID, &source, &started, &ended, &run.Status, &errMsg,
		&run.FetchedCount, &run.NewArticlesCount, &run.UpdatedArticlesCount, &run.ErrorCount)
	if err != nil {
		return model.RunLog{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	run.SourceID = source.String
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	run.EndedAt = timePtr(ended)
	run.ErrorMessage = errMsg.String
	return run, nil
}

// SaveFetchLog persists one fetch attempt.
func (s *Store) SaveFetchLog(ctx context.Context, fl model.FetchLog) error {
	var status any
	if fl.StatusCode != 0 {
		status = fl.StatusCode
	}
	var errCode any
	if fl.ErrorCode != "" {
		errCode = string(fl.ErrorCode)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_log (id, url, status_code, latency_ms, bytes_received, error_code, created_at, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fl.ID, fl.URL, status, fl.LatencyMS, fl.BytesReceived, errCode, fmtTime(fl.CreatedAt), fl.RunID,
	)
	if err != nil {
		return fmt.Errorf("save fetch log: %w", err)
	}
	return nil
}

// RollbackSummary counts what a rollback removed or reverted.
type RollbackSummary struct {
	FetchLogDeleted       int `json:"fetch_log_deleted"`
	EvidenceDeleted       int `json:"evidence_deleted"`
	VersionsDeleted       int `json:"versions_deleted"`
	MergeDecisionsDeleted int `json:"merge_decisions_deleted"`
	ArticlesDeleted       int `json:"articles_deleted"`
	ArticlesReverted      int `json:"articles_reverted"`
}

// RollbackRun undoes one run: deletes its logs, evidence, versions, and merge
// decisions, removes articles left with no surviving version, reverts the
// rest to their latest surviving version, and marks the run CANCELLED. The
// whole operation is one transaction.
func (s *Store) RollbackRun(ctx context.Context, runID string) (RollbackSummary, error) {
	var summary RollbackSummary

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("begin rollback: %w", err)
	}
	defer tx.Rollback()

	count := func(result sql.Result) int {
		n, _ := result.RowsAffected()
		return int(n)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM fetch_log WHERE run_id = ?`, runID)
	if err != nil {
		return summary, fmt.Errorf("rollback fetch log: %w", err)
	}
	summary.FetchLogDeleted = count(res)

	res, err = tx.ExecContext(ctx, `DELETE FROM evidence WHERE run_id = ?`, runID)
	if err != nil {
		return summary, fmt.Errorf("rollback evidence: %w", err)
	}
	summary.EvidenceDeleted = count(res)

	affected, err := collectIDs(ctx, tx,
		`SELECT DISTINCT article_id FROM versions WHERE run_id = ?`, runID)
	if err != nil {
		return summary, err
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM versions WHERE run_id = ?`, runID)
	if err != nil {
		return summary, fmt.Errorf("rollback versions: %w", err)
	}
	summary.VersionsDeleted = count(res)

	// An article survives only while some version row still describes it; an
	// article whose history the rollback emptied is removed, the rest revert
	// to their highest remaining snapshot.
	for _, id := range affected {
		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM versions WHERE article_id = ?`, id,
		).Scan(&remaining); err != nil {
			return summary, fmt.Errorf("count surviving versions for %s: %w", id, err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM evidence WHERE article_id = ?`, id); err != nil {
				return summary, fmt.Errorf("rollback evidence for %s: %w", id, err)
			}
			res, err = tx.ExecContext(ctx, `DELETE FROM articles WHERE id = ?`, id)
			if err != nil {
				return summary, fmt.Errorf("rollback article %s: %w", id, err)
			}
			summary.ArticlesDeleted += count(res)
			continue
		}
		reverted, err := revertToLatestVersion(ctx, tx, id)
		if err != nil {
			return summary, err
		}
		if reverted {
			summary.ArticlesReverted++
		}
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM merge_decisions WHERE run_id = ?`, runID)
	if err != nil {
		return summary, fmt.Errorf("rollback merge decisions: %w", err)
	}
	summary.MergeDecisionsDeleted = count(res)

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_log SET status = ?, error_message = ?, ended_at = ? WHERE id = ?`,
		string(model.RunCancelled), fmt.Sprintf("Rolled back run %s", runID), fmtTime(now), runID,
	); err != nil {
		return summary, fmt.Errorf("rollback run log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("commit rollback: %w", err)
	}
	return summary, nil
}

// revertToLatestVersion restores an article's fields and evidence set from
// its highest remaining version snapshot. An article with no remaining
// versions is left untouched.
func revertToLatestVersion(ctx context.Context, tx *sql.Tx, articleID string) (bool, error) {
	var (
		version     int
		title       sql.NullString
		authorHint  sql.NullString
		publishedAt sql.NullString
		snippet     sql.NullString
		hash        string
		snapshot    sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT version, title, author_hint, published_at, snippet, content_hash, evidence_snapshot
		 FROM versions WHERE article_id = ? ORDER BY version DESC LIMIT 1`,
		articleID,
	).Scan(&version, &title, &authorHint, &publishedAt, &snippet, &hash, &snapshot)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load surviving version for %s: %w", articleID, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE articles SET title = ?, author_hint = ?, published_at = ?, snippet = ?, content_hash = ?, version = ?, updated_at = ? WHERE id = ?`,
		title, authorHint, publishedAt, snippet, hash, version, fmtTime(time.Now().UTC()), articleID,
	)
	if err != nil {
		return false, fmt.Errorf("revert article %s: %w", articleID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM evidence WHERE article_id = ?`, articleID); err != nil {
		return false, fmt.Errorf("clear evidence for %s: %w", articleID, err)
	}
	var restored []model.Evidence
	if snapshot.Valid && snapshot.String != "" {
		// A snapshot that no longer parses loses its evidence restore but
		// never blocks the rollback.
		_ = json.Unmarshal([]byte(snapshot.String), &restored)
	}
	if _, err := insertEvidence(ctx, tx, articleID, restored); err != nil {
		return false, err
	}
	return true, nil
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
