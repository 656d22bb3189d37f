// Package models defines core data structures for vocabulary tags and tag search results.
package models

import "time"

// Tag is one canonical vocabulary entry.
type Tag struct {
	Name      string    `json:"name" db:"name"`
	Category  string    `json:"category" db:"category"`
	PostCount int64     `json:"post_count" db:"post_count"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TagSuggestion is a single hybrid search hit.
type TagSuggestion struct {
	Tag           *Tag    `json:"tag"`
	Score         float64 `json:"score"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
	Rank          int     `json:"rank"`
}

// SuggestResponse is the response for a tag suggestion request.
type SuggestResponse struct {
	Results   []*TagSuggestion `json:"results"`
	Total     int              `json:"total"`
	QueryTime int64            `json:"query_time_ms"`
	Query     string           `json:"query"`
	// Suggestions holds "did you mean" vocabulary terms for misspelled words.
	Suggestions []string `json:"suggestions,omitempty"`
}
