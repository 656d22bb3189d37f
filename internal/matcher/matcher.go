// Package matcher maps free-form tag candidates onto the canonical
// vocabulary by embedding similarity.
package matcher

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/embedding"
	ferrors "github.com/hyperjump/fuda/internal/errors"
	"github.com/hyperjump/fuda/internal/vector"
	"github.com/hyperjump/fuda/internal/vocab"
)

// MatchResult is an accepted (or, from Nearest, candidate) vocabulary tag.
type MatchResult struct {
	Tag        string  `json:"tag"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
}

// Matcher owns the tag embedding index. Matches run concurrently under a
// read lock; a rebuild swaps the whole index under the write lock.
type Matcher struct {
	embedder  embedding.Embedder
	dir       string
	indexOpts vector.Options
	batchSize int
	logger    *zap.Logger

	mu       sync.RWMutex
	index    vector.Index
	manifest *vector.Manifest

	rebuildMu sync.Mutex
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// WithIndexDir sets where the index is persisted. Empty keeps it in memory only.
func WithIndexDir(dir string) Option {
	return func(m *Matcher) { m.dir = dir }
}

// WithIndexOptions selects the index backend and its parameters.
func WithIndexOptions(opts vector.Options) Option {
	return func(m *Matcher) { m.indexOpts = opts }
}

// WithBatchSize sets the embedding batch size used while building.
func WithBatchSize(n int) Option {
	return func(m *Matcher) { m.batchSize = n }
}

// New creates a matcher with no index loaded.
func New(embedder embedding.Embedder, opts ...Option) *Matcher {
	m := &Matcher{embedder: embedder, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Normalize turns a raw candidate into the text that gets embedded.
func Normalize(query string) string {
	return strings.ToLower(vocab.SurfaceForm(query))
}

// Prepare loads the persisted index if there is one, otherwise builds it
// from tags. With neither available the matcher cannot work.
func (m *Matcher) Prepare(ctx context.Context, tags []string) error {
	if m.dir != "" && vector.Exists(m.dir) {
		idx, manifest, err := vector.Open(m.dir, m.embedder.ModelID(), m.embedder.Dimensions(), m.indexOpts)
		if err != nil {
			return err
		}
		m.swap(idx, manifest)
		m.logger.Info("Loaded tag index",
			zap.String("dir", m.dir),
			zap.Int("tags", manifest.Count),
			zap.String("build_id", manifest.BuildID))
		return nil
	}
	if len(tags) == 0 {
		return ferrors.Configuration("matcher.Prepare",
			"no persisted tag index and no vocabulary to build one from", nil)
	}
	_, err := m.RebuildIndex(ctx, tags)
	return err
}

// RebuildIndex builds a fresh index from tags aside from the live one,
// persists it and swaps it in. Rebuilds are serialized within the process
// and across processes sharing the index directory.
func (m *Matcher) RebuildIndex(ctx context.Context, tags []string) (*vector.Manifest, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	if m.dir != "" {
		lock := newFileLock(m.dir)
		if err := lock.lock(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.unlock(); err != nil {
				m.logger.Warn("Failed to release rebuild lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	idx, manifest, err := vector.Build(ctx, m.embedder, tags, m.dir, vector.BuildOptions{
		Options:   m.indexOpts,
		BatchSize: m.batchSize,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.swap(idx, manifest)
	m.logger.Info("Swapped in rebuilt tag index",
		zap.Int("tags", manifest.Count),
		zap.String("build_id", manifest.BuildID),
		zap.Duration("elapsed", time.Since(start)))
	return manifest, nil
}

func (m *Matcher) swap(idx vector.Index, manifest *vector.Manifest) {
	m.mu.Lock()
	old := m.index
	m.index, m.manifest = idx, manifest
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Match returns the nearest vocabulary tag if its similarity reaches
// threshold, or nil when nothing is close enough.
func (m *Matcher) Match(ctx context.Context, query string, threshold float64) (*MatchResult, error) {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, ferrors.InvalidInput("matcher.Match", fmt.Sprintf("threshold %v outside [0, 1]", threshold), nil)
	}
	results, err := m.Nearest(ctx, query, 1)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	if results[0].Similarity < threshold {
		m.logger.Debug("No match",
			zap.String("query", query),
			zap.String("nearest", results[0].Tag),
			zap.Float64("similarity", results[0].Similarity))
		return nil, nil
	}
	return &results[0], nil
}

// Nearest returns up to k closest vocabulary tags with their similarities.
func (m *Matcher) Nearest(ctx context.Context, query string, k int) ([]MatchResult, error) {
	text := Normalize(query)
	if text == "" || k <= 0 {
		return nil, nil
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ferrors.Inference("matcher.Nearest", "failed to embed query", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.index == nil {
		return nil, ferrors.Configuration("matcher.Nearest", "tag index is not loaded", nil)
	}
	hits, err := m.index.Search(ctx, vec, k)
	if err != nil {
		return nil, ferrors.Inference("matcher.Nearest", "index search failed", err)
	}
	results := make([]MatchResult, len(hits))
	for i, h := range hits {
		results[i] = MatchResult{Tag: h.Tag, Similarity: h.Similarity(), Distance: h.Distance}
	}
	return results, nil
}

// Ready reports whether an index is loaded.
func (m *Matcher) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index != nil
}

// Size returns the number of indexed tags.
func (m *Matcher) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.index == nil {
		return 0
	}
	return m.index.Size()
}

// Manifest returns the manifest of the live index, or nil.
func (m *Matcher) Manifest() *vector.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest
}

// Close releases the index.
func (m *Matcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		return nil
	}
	err := m.index.Close()
	m.index, m.manifest = nil, nil
	return err
}
