package models

import (
	"fmt"
	"strings"
)

// SuggestQuery is a tag suggestion request.
type SuggestQuery struct {
	Query           string  `json:"query"`
	Limit           int     `json:"limit,omitempty"`
	KeywordEnabled  bool    `json:"keyword_enabled,omitempty"`
	SemanticEnabled bool    `json:"semantic_enabled,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
	Category        string  `json:"category,omitempty"`
}

// Validate ensures the query is usable and sets defaults.
// The limit is clamped to [1, maxLimit]; with neither source enabled both are.
func (q *SuggestQuery) Validate(defaultLimit, maxLimit int) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if !q.KeywordEnabled && !q.SemanticEnabled {
		q.KeywordEnabled = true
		q.SemanticEnabled = true
	}
	return nil
}
