// Package model holds the core domain types shared by every pipeline stage.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceType says where a piece of evidence came from.
type EvidenceType string

const (
	EvidenceMetaTag        EvidenceType = "meta_tag"
	EvidenceJSONLD         EvidenceType = "json_ld"
	EvidenceExtracted      EvidenceType = "extracted"
	EvidenceFetchedContent EvidenceType = "fetched_content"
)

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// FetchErrorCode classifies why a fetch produced no document.
type FetchErrorCode string

const (
	FetchTimeout         FetchErrorCode = "TIMEOUT"
	FetchSecurityBlocked FetchErrorCode = "SECURITY_BLOCKED"
	FetchError           FetchErrorCode = "FETCH_ERROR"
	FetchBlockedByRobots FetchErrorCode = "BLOCKED_BY_ROBOTS"
	FetchBodyTooLarge    FetchErrorCode = "BODY_TOO_LARGE"
	FetchRedirectLimit   FetchErrorCode = "REDIRECT_LIMIT"
)

// Evidence is one citation backing exactly one claim on one article.
// ClaimPath is an RFC 6901 JSON Pointer into the article ("/title",
// "/author_hint", "/published_at").
type Evidence struct {
	ID        string       `json:"id"`
	ArticleID string       `json:"article_id"`
	ClaimPath string       `json:"claim_path"`

	EvidenceType     EvidenceType `json:"evidence_type"`
	SourceURL        string       `json:"source_url"`
	ExtractionMethod string       `json:"extraction_method,omitempty"`

	ExtractedText string            `json:"extracted_text"`
	Confidence    float64           `json:"confidence"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// Replay fields: enough provenance to reproduce the extraction.
	RetrievedAt            time.Time `json:"retrieved_at"`
	ExtractorVersion       string    `json:"extractor_version,omitempty"`
	InputRef               string    `json:"input_ref,omitempty"`
	SnippetMaxCharsApplied int       `json:"snippet_max_chars_applied,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id"`
}

// Article is the final indexed unit. It carries a bounded snippet and an
// evidence chain, never a full body.
type Article struct {
	ID string `json:"id"`

	CanonicalURL string `json:"canonical_url"`
	SourceID     string `json:"source_id"`

	Title       *string    `json:"title"`
	AuthorHint  *string    `json:"author_hint"`
	PublishedAt *time.Time `json:"published_at"`

	Snippet *string `json:"snippet"`

	Evidence []Evidence `json:"evidence"`

	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArticleDraft is an article before storage assigns identity and version.
type ArticleDraft struct {
	CanonicalURL string
	SourceID     string

	Title       *string
	AuthorHint  *string
	PublishedAt *time.Time

	Snippet *string
}

// Parsed is the normalized output of the parse stage.
type Parsed struct {
	URL string

	// Readable main text, already truncated for memory safety.
	Text string

	Title         string
	DatePublished *time.Time
	AuthorNames   []string

	HTMLTitle    string
	MetaTags     map[string]string
	JSONLDBlocks []map[string]any

	CanonicalURL string

	// Kept for fallback heuristics only; never persisted.
	OriginalHTML string
}

// FetchedDoc is the outcome of one successful fetch. A 304 response yields a
// document with nil Body and empty BodySHA256.
type FetchedDoc struct {
	StatusCode int
	FinalURL   string
	Headers    map[string]string
	Body       []byte
	BodySHA256 string
	LatencyMS  int64
}

// FetchLog records one fetch attempt, success or failure.
type FetchLog struct {
	ID  string
	URL string

	StatusCode    int
	LatencyMS     int64
	BytesReceived int

	ErrorCode FetchErrorCode

	CreatedAt time.Time
	RunID     string
}

// NewFetchLog builds a fetch log row with generated id and timestamp.
func NewFetchLog(url, runID string) FetchLog {
	return FetchLog{
		ID:        uuid.NewString(),
		URL:       url,
		CreatedAt: time.Now().UTC(),
		RunID:     runID,
	}
}

// RunLog is the bookkeeping record for one pipeline run.
type RunLog struct {
	ID       string
	SourceID string

	StartedAt time.Time
	EndedAt   *time.Time

	Status       RunStatus
	ErrorMessage string

	FetchedCount         int
	NewArticlesCount     int
	UpdatedArticlesCount int
	ErrorCount           int
}

// NewRunLog starts a RUNNING run log for the given run id and source.
func NewRunLog(id, sourceID string) RunLog {
	return RunLog{
		ID:        id,
		SourceID:  sourceID,
		StartedAt: time.Now().UTC(),
		Status:    RunRunning,
	}
}

// Account is a discovered per-source author identifier (email, handle, id).
type Account struct {
	ID               string
	SourceID         string
	SourceIdentifier string
	AuthorID         string
	CreatedAt        time.Time
}

// Author is a canonical author identity used by the resolution workflow.
type Author struct {
	ID            string
	CanonicalName string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MergeDecision is the audit record for one manual author merge. Insertion is
// idempotent by ID.
type MergeDecision struct {
	ID string

	FromAuthorID string
	ToAuthorID   string

	EvidenceIDs      []string
	DecisionCriteria string

	CreatedAt time.Time
	CreatedBy string
	RunID     string

	RevertedAt     *time.Time
	RevertedBy     string
	RevertedReason string
}
