package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/fuda/internal/config"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/keyword"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/storage"
)

// SemanticSearcher returns vocabulary tags nearest to a query by embedding.
type SemanticSearcher interface {
	Nearest(ctx context.Context, query string, k int) ([]matcher.MatchResult, error)
}

// Engine runs hybrid (lexical + semantic) tag suggestion.
type Engine struct {
	store        storage.Store
	keywordIndex keyword.TagIndex
	semantic     SemanticSearcher
	spellChecker *keyword.SpellChecker
	config       *config.SearchConfig
	logger       *zap.Logger
}

// NewEngine creates a search engine with the given dependencies.
// spellChecker may be nil.
func NewEngine(
	store storage.Store,
	keywordIndex keyword.TagIndex,
	semantic SemanticSearcher,
	spellChecker *keyword.SpellChecker,
	cfg *config.SearchConfig,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:        store,
		keywordIndex: keywordIndex,
		semantic:     semantic,
		spellChecker: spellChecker,
		config:       cfg,
		logger:       logger,
	}
}

// Suggest runs the lexical and semantic searches in parallel, fuses their
// normalized scores and attaches tag metadata from the store.
func (e *Engine) Suggest(ctx context.Context, query *models.SuggestQuery) (*models.SuggestResponse, error) {
	startTime := time.Now()
	if err := query.Validate(e.config.DefaultLimit, e.config.MaxLimit); err != nil {
		return nil, ferrors.InvalidInput("search.Suggest", err.Error(), err)
	}

	var (
		keywordResults  []*keyword.Result
		semanticResults []matcher.MatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	if query.KeywordEnabled && e.keywordIndex != nil {
		g.Go(func() error {
			opts := &keyword.SearchOptions{Category: query.Category}
			results, err := e.keywordIndex.Search(gctx, query.Query, e.config.TopKCandidates, opts)
			if err != nil {
				return fmt.Errorf("keyword search failed: %w", err)
			}
			if len(results) == 0 {
				opts.FuzzyEnabled = true
				if results, err = e.keywordIndex.Search(gctx, query.Query, e.config.TopKCandidates, opts); err != nil {
					return fmt.Errorf("fuzzy keyword search failed: %w", err)
				}
			}
			keywordResults = results
			return nil
		})
	}
	if query.SemanticEnabled && e.semantic != nil {
		g.Go(func() error {
			results, err := e.semantic.Nearest(gctx, query.Query, e.config.TopKCandidates)
			if err != nil {
				return fmt.Errorf("semantic search failed: %w", err)
			}
			semanticResults = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(
		NormalizeKeywordScores(keywordResults),
		NormalizeSemanticScores(semanticResults),
		e.config.KeywordWeight,
		e.config.SemanticWeight,
	)

	response := &models.SuggestResponse{
		Results: make([]*models.TagSuggestion, 0, query.Limit),
		Query:   query.Query,
	}
	for _, r := range fused {
		if len(response.Results) == query.Limit {
			break
		}
		if r.Score < query.MinScore {
			continue
		}
		tag, err := e.store.GetTag(ctx, r.Tag)
		if err != nil {
			e.logger.Debug("Dropping suggestion missing from store", zap.String("tag", r.Tag), zap.Error(err))
			continue
		}
		if query.Category != "" && tag.Category != query.Category {
			continue
		}
		response.Results = append(response.Results, &models.TagSuggestion{
			Tag:           tag,
			Score:         r.Score,
			KeywordScore:  r.KeywordScore,
			SemanticScore: r.SemanticScore,
			Rank:          len(response.Results) + 1,
		})
	}
	response.Total = len(response.Results)
	if e.spellChecker != nil {
		response.Suggestions = e.spellChecker.TopSuggestions(query.Query)
	}
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}
