// Package resolve proposes author merge candidates with rule-based scoring.
// It only suggests; every merge still requires a manual review decision.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
)

// Confidence labels for review triage.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
)

// Emission thresholds and rule weights.
const (
	emitThreshold   = 0.5
	highThreshold   = 0.75
	nameDistanceMax = 0.15
)

// ReviewAuthor is one author identity as seen from a single source, assembled
// from stored articles and accounts.
type ReviewAuthor struct {
	ID       string
	Name     string
	SourceID string

	// Accounts are normalized identifiers (emails, handles, profile URLs).
	Accounts []string

	// Domains are article hosting domains this author appeared on.
	Domains []string

	// ProfileDomains are domains of detected author profile pages.
	ProfileDomains []string
}

// Candidate is one proposed merge pair for the review queue.
type Candidate struct {
	ID      string
	LeftID  string
	RightID string

	Score      float64
	Confidence string
	Reasons    []string
}

// ScorePair applies the merge rules to one pair of authors. The returned
// score is capped at 1.0; reasons name the rules that fired.
func ScorePair(a, b ReviewAuthor) (float64, []string) {
	var score float64
	var reasons []string

	if sharedCount(a.Accounts, b.Accounts) > 0 {
		score += 1.0
		reasons = append(reasons, "shared account identifier")
	}
	if sharedCount(a.ProfileDomains, b.ProfileDomains) > 0 {
		score += 0.9
		reasons = append(reasons, "shared profile host")
	}

	sharedDomain := sharedCount(a.Domains, b.Domains) > 0
	exactName := normalizeName(a.Name) != "" && normalizeName(a.Name) == normalizeName(b.Name)
	closeName := !exactName && nameDistance(a.Name, b.Name) <= nameDistanceMax

	switch {
	case exactName && sharedDomain:
		score += 0.8
		reasons = append(reasons, "exact name with shared domain")
	case closeName && sharedDomain:
		score += 0.6
		reasons = append(reasons, "similar name with shared domain")
	case sharedDomain:
		score += 0.3
		reasons = append(reasons, "shared domain")
	}

	if score > 1.0 {
		score = 1.0
	}
	return score, reasons
}

// BuildCandidates scores every author pair and returns the ones above the
// emission threshold, ordered by descending score then id. Output is fully
// deterministic for a given input set.
func BuildCandidates(authors []ReviewAuthor) []Candidate {
	sorted := make([]ReviewAuthor, len(authors))
	copy(sorted, authors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []Candidate
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			left, right := sorted[i], sorted[j]
			score, reasons := ScorePair(left, right)
			if score < emitThreshold {
				continue
			}
			confidence := ConfidenceMedium
			if score >= highThreshold {
				confidence = ConfidenceHigh
			}
			out = append(out, Candidate{
				ID:         CandidateID(left.ID, right.ID),
				LeftID:     left.ID,
				RightID:    right.ID,
				Score:      score,
				Confidence: confidence,
				Reasons:    reasons,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CandidateID derives the stable id for a pair, independent of argument
// order.
func CandidateID(leftID, rightID string) string {
	a, b := leftID, rightID
	if b < a {
		a, b = b, a
	}
	name := fmt.Sprintf("candidate|%s|%s", a, b)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// ReviewAuthorID derives the stable id for one source-scoped author identity.
func ReviewAuthorID(sourceID, name, domain string) string {
	key := fmt.Sprintf("review-author|%s|%s|%s", sourceID, normalizeName(name), strings.ToLower(domain))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// nameDistance is the levenshtein distance normalized by the longer name's
// length; identical names score 0 and disjoint names approach 1.
func nameDistance(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 1.0
	}
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(na, nb)) / float64(longest)
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sharedCount(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	count := 0
	seen := make(map[string]struct{})
	for _, v := range b {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		if _, ok := set[v]; ok {
			count++
			seen[v] = struct{}{}
		}
	}
	return count
}
