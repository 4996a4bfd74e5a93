package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pressindex/collector/internal/model"
	"github.com/pressindex/collector/internal/resolve"
)

// EnsureAuthor inserts the author if absent; an existing id is left as is.
func (s *Store) EnsureAuthor(ctx context.Context, author model.Author) error {
	var metadata any
	if len(author.Metadata) > 0 {
		encoded, err := json.Marshal(author.Metadata)
		if err != nil {
			return fmt.Errorf("encode author metadata: %w", err)
		}
		metadata = string(encoded)
	}
	now := time.Now().UTC()
	createdAt := author.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO authors (id, canonical_name, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		author.ID, author.CanonicalName, metadata, fmtTime(createdAt), fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("ensure author: %w", err)
	}
	return nil
}

// AuthorExists reports whether the id is present.
func (s *Store) AuthorExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM authors WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("author lookup: %w", err)
	}
	return true, nil
}

// EnsureAccount records one per-source account identifier, ignoring
// duplicates on (source_id, source_identifier).
func (s *Store) EnsureAccount(ctx context.Context, account model.Account) error {
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var authorID any
	if account.AuthorID != "" {
		authorID = account.AuthorID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, source_id, source_identifier, author_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account.ID, account.SourceID, account.SourceIdentifier, authorID, fmtTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// SaveMergeDecision records one manual merge. Both authors must exist.
// Insertion is idempotent by decision id; the returned flag is false when the
// decision was already recorded.
func (s *Store) SaveMergeDecision(ctx context.Context, d model.MergeDecision) (bool, error) {
	for _, authorID := range []string{d.FromAuthorID, d.ToAuthorID} {
		exists, err := s.AuthorExists(ctx, authorID)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("merge decision %s references unknown author %s", d.ID, authorID)
		}
	}
	var evidenceIDs any
	if len(d.EvidenceIDs) > 0 {
		encoded, err := json.Marshal(d.EvidenceIDs)
		if err != nil {
			return false, fmt.Errorf("encode evidence ids: %w", err)
		}
		evidenceIDs = string(encoded)
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO merge_decisions (id, from_author_id, to_author_id, evidence_ids, decision_criteria, created_at, created_by, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FromAuthorID, d.ToAuthorID, evidenceIDs, d.DecisionCriteria,
		fmtTime(createdAt), d.CreatedBy, d.RunID,
	)
	if err != nil {
		return false, fmt.Errorf("save merge decision: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevertMergeDecision marks a decision reverted without deleting the audit
// row.
func (s *Store) RevertMergeDecision(ctx context.Context, id, revertedBy, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_decisions SET reverted_at = ?, reverted_by = ?, reverted_reason = ? WHERE id = ? AND reverted_at IS NULL`,
		fmtTime(time.Now().UTC()), revertedBy, reason, id,
	)
	if err != nil {
		return fmt.Errorf("revert merge decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("merge decision %s not found or already reverted", id)
	}
	return nil
}

var profilePathMarkers = []string{"/author/", "/authors/", "/people/", "/profile/", "/bio/"}

var (
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	handlePattern = regexp.MustCompile(`^@[A-Za-z0-9_.-]+$`)
)

// ListReviewAuthors assembles source-scoped author identities from stored
// articles: one identity per (source, normalized name, domain), with account
// identifiers seeded from author hints that look like emails, handles, or
// URLs, and from the accounts table.
func (s *Store) ListReviewAuthors(ctx context.Context) ([]resolve.ReviewAuthor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, author_hint, canonical_url FROM articles WHERE author_hint IS NOT NULL AND author_hint != '' ORDER BY canonical_url, source_id`)
	if err != nil {
		return nil, fmt.Errorf("list review authors: %w", err)
	}
	defer rows.Close()

	byID := map[string]*resolve.ReviewAuthor{}
	var order []string
	for rows.Next() {
		var sourceID, hint, canonicalURL string
		if err := rows.Scan(&sourceID, &hint, &canonicalURL); err != nil {
			return nil, err
		}
		domain := hostOf(canonicalURL)
		id := resolve.ReviewAuthorID(sourceID, hint, domain)
		author, ok := byID[id]
		if !ok {
			author = &resolve.ReviewAuthor{
				ID:       id,
				Name:     hint,
				SourceID: sourceID,
			}
			byID[id] = author
			order = append(order, id)
		}
		appendUnique(&author.Domains, domain)
		if account := accountIdentifier(hint); account != "" {
			appendUnique(&author.Accounts, account)
		}
		if isProfileURL(canonicalURL) {
			appendUnique(&author.ProfileDomains, domain)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Seed accounts recorded by connectors.
	accountRows, err := s.db.QueryContext(ctx,
		`SELECT source_id, source_identifier FROM accounts ORDER BY source_id, source_identifier`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer accountRows.Close()
	for accountRows.Next() {
		var sourceID, identifier string
		if err := accountRows.Scan(&sourceID, &identifier); err != nil {
			return nil, err
		}
		for _, id := range order {
			author := byID[id]
			if author.SourceID == sourceID && strings.Contains(strings.ToLower(identifier), strings.ToLower(firstWord(author.Name))) {
				appendUnique(&author.Accounts, identifier)
			}
		}
	}
	if err := accountRows.Err(); err != nil {
		return nil, err
	}

	out := make([]resolve.ReviewAuthor, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// accountIdentifier recognizes author hints that are themselves account
// identifiers rather than display names.
func accountIdentifier(hint string) string {
	trimmed := strings.TrimSpace(hint)
	switch {
	case emailPattern.MatchString(trimmed):
		return strings.ToLower(trimmed)
	case handlePattern.MatchString(trimmed):
		return strings.ToLower(trimmed)
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		return strings.ToLower(trimmed)
	}
	return ""
}

func isProfileURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	for _, marker := range profilePathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[0]
}

func appendUnique(list *[]string, value string) {
	if value == "" {
		return
	}
	for _, existing := range *list {
		if existing == value {
			return
		}
	}
	*list = append(*list, value)
}
