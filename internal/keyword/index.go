// Package keyword provides the lexical tag index and spelling suggestions.
package keyword

import (
	"context"

	"github.com/hyperjump/fuda/internal/models"
)

// SearchOptions optional parameters for tag search. Nil means use defaults.
type SearchOptions struct {
	// FuzzyEnabled adds per-term fuzzy queries for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default 1.
	Fuzziness int
	// Category restricts results to one tag category.
	Category string
}

// TagIndex defines lexical tag search operations.
type TagIndex interface {
	IndexTags(ctx context.Context, tags []*models.Tag) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, name string) error
	DocCount() (uint64, error)
	Close() error
}

// Result is a single lexical hit.
type Result struct {
	Tag   string
	Score float64
}

// TermDictionary exposes the indexed words with their document frequencies.
type TermDictionary interface {
	TermFrequencies() (map[string]int, error)
}
