package asset

import "strings"

// Asset is one discovered network endpoint attributed to a company.
// Link is the identity key; assets are deduplicated by it within a
// company's working set before classification, never after.
type Asset struct {
	Link  string `json:"link" db:"link"`
	Title string `json:"title" db:"title"`
	IP    string `json:"ip" db:"ip"`
	Port  string `json:"port" db:"port"`

	// Provenance, attached after extraction.
	SearchKeyword string `json:"search_keyword,omitempty" db:"search_keyword"`
	QuerySyntax   string `json:"query_syntax,omitempty" db:"query_syntax"`
}

// Candidate is the input unit of work: one company from the candidate
// spreadsheet plus the business-scope keyword that matched it.
type Candidate struct {
	Name           string
	MatchedKeyword string
}

// Usage accumulates token counts across remote calls. Advisory only: it
// drives operator-facing cost estimates, never control decisions.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u *Usage) Add(v Usage) {
	u.PromptTokens += v.PromptTokens
	u.CompletionTokens += v.CompletionTokens
}

// Decision is the classification outcome for one asset list.
// CNVDCandidates is always a subset of ValidIDs.
type Decision struct {
	ValidIDs       []int  `json:"valid_ids"`
	CNVDCandidates []int  `json:"cnvd_candidates"`
	Summary        string `json:"summary"`
	CNVDStrategy   string `json:"cnvd_strategy"`
}

// MergeByLink deduplicates asset batches by link, first occurrence wins,
// input order preserved among survivors. Assets with an empty link are
// dropped outright.
func MergeByLink(groups ...[]Asset) []Asset {
	seen := map[string]struct{}{}
	out := []Asset{}
	for _, group := range groups {
		for _, a := range group {
			link := strings.TrimSpace(a.Link)
			if link == "" {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Resolve maps decision ids back to assets. Out-of-range ids are silently
// dropped: the remote model occasionally invents indices.
func Resolve(assets []Asset, ids []int) []Asset {
	out := make([]Asset, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(assets) {
			continue
		}
		out = append(out, assets[id])
	}
	return out
}

// DedupIDs sorts nothing: it keeps first-seen order while removing
// duplicates, so merged batch rationale ordering stays stable.
func DedupIDs(ids []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Intersect returns the members of ids also present in allowed, preserving
// the order of ids. Used to enforce the priority ⊆ valid invariant.
func Intersect(ids, allowed []int) []int {
	set := map[int]struct{}{}
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
