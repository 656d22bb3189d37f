// Package search provides hybrid tag suggestion (lexical + semantic) and result fusion.
package search

import (
	"sort"

	"github.com/hyperjump/fuda/internal/keyword"
	"github.com/hyperjump/fuda/internal/matcher"
)

// FusedResult holds a tag and its fused lexical/semantic scores.
type FusedResult struct {
	Tag           string
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.Result) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.Tag] = r.Score / maxScore
		} else {
			normalized[r.Tag] = 0
		}
	}
	return normalized
}

// NormalizeSemanticScores maps cosine similarities onto [0,1]; negative
// similarity counts as no similarity.
func NormalizeSemanticScores(results []matcher.MatchResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		s := r.Similarity
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		normalized[r.Tag] = s
	}
	return normalized
}

// Fuse merges keyword and semantic score maps with weights and returns
// results sorted by score, ties broken by tag name.
func Fuse(keywordScores, semanticScores map[string]float64, keywordWeight, semanticWeight float64) []*FusedResult {
	scoreMap := make(map[string]*FusedResult)
	for tag, score := range keywordScores {
		scoreMap[tag] = &FusedResult{Tag: tag, KeywordScore: score}
	}
	for tag, score := range semanticScores {
		if result, exists := scoreMap[tag]; exists {
			result.SemanticScore = score
		} else {
			scoreMap[tag] = &FusedResult{Tag: tag, SemanticScore: score}
		}
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		result.Score = (keywordWeight * result.KeywordScore) + (semanticWeight * result.SemanticScore)
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tag < results[j].Tag
	})
	return results
}
