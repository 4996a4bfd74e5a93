package resolve

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Review decisions a human may record on a candidate.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
	DecisionHold   = "hold"
)

// ReviewFile is the queue document handed to a human reviewer and read back
// by the apply command.
type ReviewFile struct {
	GeneratedAt time.Time         `json:"generated_at"`
	MinScore    float64           `json:"min_score"`
	Candidates  []ReviewCandidate `json:"candidates"`
}

// AuthorRef identifies one side of a candidate pair in the review file.
type AuthorRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SourceID string `json:"source_id"`
}

// ReviewCandidate is one pair awaiting a decision. Decision is null until a
// reviewer fills it in.
type ReviewCandidate struct {
	ID               string    `json:"id"`
	FromAuthor       AuthorRef `json:"from_author"`
	ToAuthor         AuthorRef `json:"to_author"`
	Score            float64   `json:"score"`
	Confidence       string    `json:"confidence"`
	ScoringBreakdown []string  `json:"scoring_breakdown"`
	Evidence         []string  `json:"evidence"`
	Decision         *string   `json:"decision"`
}

// BuildReviewFile scores all author pairs and assembles the queue of
// candidates at or above minScore.
func BuildReviewFile(authors []ReviewAuthor, minScore float64) ReviewFile {
	byID := make(map[string]ReviewAuthor, len(authors))
	for _, a := range authors {
		byID[a.ID] = a
	}
	file := ReviewFile{
		GeneratedAt: time.Now().UTC(),
		MinScore:    minScore,
		Candidates:  []ReviewCandidate{},
	}
	for _, c := range BuildCandidates(authors) {
		if c.Score < minScore {
			continue
		}
		left, right := byID[c.LeftID], byID[c.RightID]
		file.Candidates = append(file.Candidates, ReviewCandidate{
			ID:               c.ID,
			FromAuthor:       AuthorRef{ID: left.ID, Name: left.Name, SourceID: left.SourceID},
			ToAuthor:         AuthorRef{ID: right.ID, Name: right.Name, SourceID: right.SourceID},
			Score:            c.Score,
			Confidence:       c.Confidence,
			ScoringBreakdown: c.Reasons,
			Evidence:         pairEvidence(left, right),
		})
	}
	return file
}

// pairEvidence lists the concrete shared values behind the score so the
// reviewer does not have to dig them out of the database.
func pairEvidence(a, b ReviewAuthor) []string {
	var out []string
	for _, account := range shared(a.Accounts, b.Accounts) {
		out = append(out, fmt.Sprintf("shared account: %s", account))
	}
	for _, domain := range shared(a.ProfileDomains, b.ProfileDomains) {
		out = append(out, fmt.Sprintf("profile pages on: %s", domain))
	}
	for _, domain := range shared(a.Domains, b.Domains) {
		out = append(out, fmt.Sprintf("articles on: %s", domain))
	}
	return out
}

// WriteReviewFile writes the queue document to path as indented JSON.
func WriteReviewFile(path string, file ReviewFile) error {
	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode review file: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("write review file: %w", err)
	}
	return nil
}

// ReadReviewFile loads a queue document from path.
func ReadReviewFile(path string) (ReviewFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ReviewFile{}, fmt.Errorf("read review file: %w", err)
	}
	var file ReviewFile
	if err := json.Unmarshal(data, &file); err != nil {
		return ReviewFile{}, fmt.Errorf("parse review file: %w", err)
	}
	return file, nil
}

func shared(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[normalizeToken(v)] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, v := range b {
		key := normalizeToken(v)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if _, ok := set[key]; ok {
			out = append(out, key)
			seen[key] = struct{}{}
		}
	}
	return out
}
