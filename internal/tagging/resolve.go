package tagging

import (
	"context"
	"strings"

	"go.uber.org/zap"

	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/matcher"
)

// GroupMatch records how one candidate group was resolved.
type GroupMatch struct {
	Negative   bool                 `json:"negative"`
	Candidates []string             `json:"candidates"`
	Match      *matcher.MatchResult `json:"match,omitempty"`
	Candidate  string               `json:"candidate,omitempty"`
}

// Resolution is a text query turned into a signed tag expression.
type Resolution struct {
	Expression string       `json:"expression"`
	Positive   []string     `json:"positive"`
	Negative   []string     `json:"negative"`
	Groups     []GroupMatch `json:"groups"`
}

// ResolveTextQuery asks the keyword extractor for candidate groups and keeps,
// per group, the first candidate the matcher accepts. A tag accepted on both
// sides is kept only as a negative.
func (s *Service) ResolveTextQuery(ctx context.Context, query string, opts llm.Options) (*Resolution, error) {
	const op = "tagging.ResolveTextQuery"
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ferrors.InvalidInput(op, "query cannot be empty", nil)
	}
	if s.extractor == nil || s.matcher == nil {
		return nil, ferrors.Configuration(op, "keyword extractor and tag matcher are required", nil)
	}

	candidates, err := s.extractor.Extract(ctx, query, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ferrors.KindOf(err) == "" {
			return nil, ferrors.Upstream(op, "keyword extraction failed", err)
		}
		return nil, err
	}

	res := &Resolution{Positive: []string{}, Negative: []string{}, Groups: []GroupMatch{}}
	negSet := make(map[string]struct{})
	for _, group := range candidates.Negative {
		gm, err := s.resolveGroup(ctx, group, true)
		if err != nil {
			return nil, err
		}
		res.Groups = append(res.Groups, gm)
		if gm.Match == nil {
			continue
		}
		if _, dup := negSet[gm.Match.Tag]; !dup {
			negSet[gm.Match.Tag] = struct{}{}
			res.Negative = append(res.Negative, gm.Match.Tag)
		}
	}

	posSet := make(map[string]struct{})
	posGroups := make([]GroupMatch, 0, len(candidates.Positive))
	for _, group := range candidates.Positive {
		gm, err := s.resolveGroup(ctx, group, false)
		if err != nil {
			return nil, err
		}
		posGroups = append(posGroups, gm)
		if gm.Match == nil {
			continue
		}
		tag := gm.Match.Tag
		if _, neg := negSet[tag]; neg {
			s.logger.Debug("dropping positive tag also excluded", zap.String("tag", tag))
			continue
		}
		if _, dup := posSet[tag]; !dup {
			posSet[tag] = struct{}{}
			res.Positive = append(res.Positive, tag)
		}
	}
	res.Groups = append(posGroups, res.Groups...)
	res.Expression = RenderExpression(res.Positive, res.Negative)

	s.logger.Debug("resolved text query",
		zap.String("query", query),
		zap.String("expression", res.Expression),
		zap.Int("groups", len(res.Groups)))
	return res, nil
}

// resolveGroup scans the group in order and stops at the first accepted match.
func (s *Service) resolveGroup(ctx context.Context, group []string, negative bool) (GroupMatch, error) {
	gm := GroupMatch{Negative: negative, Candidates: group}
	for _, cand := range group {
		m, err := s.matcher.Match(ctx, cand, s.matchThreshold)
		if err != nil {
			return gm, err
		}
		if m != nil {
			gm.Match = m
			gm.Candidate = cand
			return gm, nil
		}
	}
	return gm, nil
}

// RenderExpression joins positives then "-"-prefixed negatives with spaces.
func RenderExpression(positive, negative []string) string {
	tokens := make([]string, 0, len(positive)+len(negative))
	tokens = append(tokens, positive...)
	for _, t := range negative {
		tokens = append(tokens, "-"+t)
	}
	return strings.Join(tokens, " ")
}
