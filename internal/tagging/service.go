// Package tagging wires the classifier, matcher and keyword extractor into
// the operations exposed by the server and the CLI.
package tagging

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/classifier"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/preprocess"
	"github.com/hyperjump/fuda/internal/search"
	"github.com/hyperjump/fuda/internal/storage"
	"github.com/hyperjump/fuda/internal/vector"
	"github.com/hyperjump/fuda/internal/vocab"
)

const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// ImageInput is an image given either as encoded bytes or as a path.
// Bytes win when both are set.
type ImageInput struct {
	Bytes []byte
	Path  string
}

// ClassifyOptions overrides the configured thresholds for one call.
// A nil Threshold keeps the configured global threshold; CategoryThresholds
// are layered over the configured per-category overrides.
type ClassifyOptions struct {
	Threshold          *float64
	CategoryThresholds map[string]float64
}

// Health is the liveness payload.
type Health struct {
	Status string `json:"status"`
}

// Service owns the engines. The classification engine may be attached after
// construction; until then the service reports itself unavailable.
type Service struct {
	engine    atomic.Pointer[classifier.Engine]
	matcher   *matcher.Matcher
	extractor llm.Extractor
	store     storage.Store
	search    *search.Engine

	threshold          float64
	categoryThresholds map[string]float64
	matchThreshold     float64
	diskPaths          map[string]string
	logger             *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEngine attaches an already loaded classification engine.
func WithEngine(e *classifier.Engine) Option {
	return func(s *Service) { s.engine.Store(e) }
}

// WithMatcher sets the tag matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithExtractor sets the keyword extractor used by ResolveTextQuery.
func WithExtractor(x llm.Extractor) Option {
	return func(s *Service) { s.extractor = x }
}

// WithStore sets the tag store.
func WithStore(st storage.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithSearch sets the hybrid tag search engine.
func WithSearch(e *search.Engine) Option {
	return func(s *Service) { s.search = e }
}

// WithThresholds sets the default classification thresholds.
func WithThresholds(global float64, perCategory map[string]float64) Option {
	return func(s *Service) {
		s.threshold = global
		s.categoryThresholds = perCategory
	}
}

// WithMatchThreshold sets the similarity a candidate needs to be accepted.
func WithMatchThreshold(th float64) Option {
	return func(s *Service) { s.matchThreshold = th }
}

// WithDiskPaths names the directories reported in Status disk usage.
func WithDiskPaths(paths map[string]string) Option {
	return func(s *Service) { s.diskPaths = paths }
}

// NewService creates a service. Components not supplied make their
// operations fail with a configuration error.
func NewService(opts ...Option) *Service {
	s := &Service{
		threshold:      0.61,
		matchThreshold: 0.61,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEngine attaches the classification engine once it has loaded.
func (s *Service) SetEngine(e *classifier.Engine) {
	s.engine.Store(e)
}

// Engine returns the attached classification engine, or nil.
func (s *Service) Engine() *classifier.Engine {
	return s.engine.Load()
}

// Health reports available once the classification engine is loaded.
func (s *Service) Health() Health {
	if s.engine.Load() == nil {
		return Health{Status: StatusUnavailable}
	}
	return Health{Status: StatusAvailable}
}

// MatcherReady reports whether a tag index is loaded.
func (s *Service) MatcherReady() bool {
	return s.matcher != nil && s.matcher.Ready()
}

// ClassifyImage classifies one image. The returned result is never nil:
// on failure it carries Success=false with the error text and kind, and the
// error is returned as well.
func (s *Service) ClassifyImage(ctx context.Context, in ImageInput, opts ClassifyOptions) (*classifier.Result, error) {
	results, err := s.classify(ctx, []ImageInput{in}, opts)
	if err != nil {
		return failedResult(err), err
	}
	res := results[0]
	if !res.Success {
		return res, ferrors.New(res.Kind, "tagging.ClassifyImage", res.Error, nil)
	}
	return res, nil
}

// ClassifyImages classifies a batch of images in a single forward pass.
// Images that cannot be loaded fail individually; the returned slice is
// aligned with paths.
func (s *Service) ClassifyImages(ctx context.Context, paths []string, opts ClassifyOptions) ([]*classifier.Result, error) {
	inputs := make([]ImageInput, len(paths))
	for i, p := range paths {
		inputs[i] = ImageInput{Path: p}
	}
	return s.classify(ctx, inputs, opts)
}

func (s *Service) classify(ctx context.Context, inputs []ImageInput, opts ClassifyOptions) ([]*classifier.Result, error) {
	const op = "tagging.Classify"
	engine := s.engine.Load()
	if engine == nil {
		return nil, ferrors.Configuration(op, "classification model is not loaded", nil)
	}
	if len(inputs) == 0 {
		return nil, ferrors.InvalidInput(op, "no images given", nil)
	}
	threshold := s.threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	perCategory := make(map[string]float64, len(s.categoryThresholds)+len(opts.CategoryThresholds))
	for k, v := range s.categoryThresholds {
		perCategory[k] = v
	}
	for k, v := range opts.CategoryThresholds {
		perCategory[k] = v
	}

	results := make([]*classifier.Result, len(inputs))
	tensors := make([]*preprocess.Tensor, 0, len(inputs))
	slots := make([]int, 0, len(inputs))
	for i, in := range inputs {
		t, err := load(in, engine.ImageSize())
		if err != nil {
			s.logger.Debug("image rejected", zap.String("path", in.Path), zap.Error(err))
			results[i] = failedResult(err)
			continue
		}
		tensors = append(tensors, t)
		slots = append(slots, i)
	}
	if len(tensors) == 0 {
		return results, nil
	}

	start := time.Now()
	predicted, err := engine.PredictBatch(ctx, tensors, threshold, perCategory)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ferrors.IsKind(err, ferrors.KindInvalidInput) {
			return nil, err
		}
		for _, i := range slots {
			results[i] = failedResult(err)
		}
		s.logger.Warn("classification failed", zap.Int("images", len(tensors)), zap.Error(err))
		return results, nil
	}
	for j, i := range slots {
		results[i] = predicted[j]
	}
	s.logger.Debug("classified images",
		zap.Int("images", len(tensors)),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

func load(in ImageInput, size int) (*preprocess.Tensor, error) {
	if len(in.Bytes) > 0 {
		return preprocess.FromBytes(in.Bytes, size)
	}
	if in.Path == "" {
		return nil, ferrors.InvalidInput("tagging.Classify", "image bytes or path required", nil)
	}
	return preprocess.FromFile(in.Path, size)
}

func failedResult(err error) *classifier.Result {
	kind := ferrors.KindOf(err)
	if kind == "" {
		kind = ferrors.KindInference
	}
	return &classifier.Result{
		Tags:    map[vocab.Category][]classifier.TagProbability{},
		AllTags: []string{},
		Success: false,
		Error:   err.Error(),
		Kind:    kind,
	}
}

// MatchTag maps a single candidate onto the vocabulary. A negative threshold
// selects the configured one. Returns nil when nothing is close enough.
func (s *Service) MatchTag(ctx context.Context, query string, threshold float64) (*matcher.MatchResult, error) {
	if s.matcher == nil {
		return nil, ferrors.Configuration("tagging.MatchTag", "tag matcher is not configured", nil)
	}
	if threshold < 0 {
		threshold = s.matchThreshold
	}
	return s.matcher.Match(ctx, query, threshold)
}

// NearestTags returns the k closest vocabulary tags regardless of threshold.
func (s *Service) NearestTags(ctx context.Context, query string, k int) ([]matcher.MatchResult, error) {
	if s.matcher == nil {
		return nil, ferrors.Configuration("tagging.NearestTags", "tag matcher is not configured", nil)
	}
	if k <= 0 {
		return nil, ferrors.InvalidInput("tagging.NearestTags", fmt.Sprintf("k must be positive, got %d", k), nil)
	}
	return s.matcher.Nearest(ctx, query, k)
}

// RebuildIndex rebuilds the matcher index from every tag in the store.
func (s *Service) RebuildIndex(ctx context.Context) (*vector.Manifest, error) {
	const op = "tagging.RebuildIndex"
	if s.matcher == nil || s.store == nil {
		return nil, ferrors.Configuration(op, "tag matcher and store are required", nil)
	}
	names, err := s.store.TagNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return s.matcher.RebuildIndex(ctx, names)
}

// SearchTags lists vocabulary tags containing q, prefix matches first.
func (s *Service) SearchTags(ctx context.Context, q string, limit int) ([]*models.Tag, error) {
	const op = "tagging.SearchTags"
	if s.store == nil {
		return nil, ferrors.Configuration(op, "tag store is not configured", nil)
	}
	if strings.TrimSpace(q) == "" {
		return nil, ferrors.InvalidInput(op, "query cannot be empty", nil)
	}
	if limit <= 0 {
		limit = 20
	}
	return s.store.SearchTags(ctx, q, limit)
}

// TagExists reports whether name is in the vocabulary.
func (s *Service) TagExists(ctx context.Context, name string) (bool, error) {
	if s.store == nil {
		return false, ferrors.Configuration("tagging.TagExists", "tag store is not configured", nil)
	}
	return s.store.Exists(ctx, name)
}

// SuggestTags runs the hybrid lexical and semantic tag search.
func (s *Service) SuggestTags(ctx context.Context, q *models.SuggestQuery) (*models.SuggestResponse, error) {
	if s.search == nil {
		return nil, ferrors.Configuration("tagging.SuggestTags", "tag search is not configured", nil)
	}
	return s.search.Suggest(ctx, q)
}

// Close releases the engine and the matcher index.
func (s *Service) Close() error {
	var firstErr error
	if e := s.engine.Swap(nil); e != nil {
		firstErr = e.Close()
	}
	if s.matcher != nil {
		if err := s.matcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
