// Package indexer imports a tag vocabulary into the tag store, the lexical
// index and the matcher's vector index.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/keyword"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/storage"
	"github.com/hyperjump/fuda/internal/vocab"
)

// reindexPageSize is how many stored tags are read per page when the lexical
// index is repopulated from the store.
const reindexPageSize = 5000

// Stats describes one import.
type Stats struct {
	Path      string        `json:"path"`
	Entries   int           `json:"entries"`
	Upserted  int           `json:"upserted"`
	IndexSize int           `json:"index_size"`
	Skipped   bool          `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

type fileState struct {
	modTime time.Time
	size    int64
}

// Importer loads vocabulary files into storage, the keyword index and the matcher.
type Importer struct {
	store        storage.Store
	keywordIndex keyword.TagIndex
	matcher      *matcher.Matcher
	spell        *keyword.SpellChecker
	logger       *zap.Logger

	mu       sync.Mutex
	imported map[string]fileState
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets a logger for import events.
func WithLogger(l *zap.Logger) Option {
	return func(im *Importer) { im.logger = l }
}

// WithMatcher rebuilds the matcher index after every import.
func WithMatcher(m *matcher.Matcher) Option {
	return func(im *Importer) { im.matcher = m }
}

// WithSpellChecker invalidates the spell checker's dictionary after every import.
func WithSpellChecker(s *keyword.SpellChecker) Option {
	return func(im *Importer) { im.spell = s }
}

// NewImporter creates an importer writing into store and keywordIndex.
func NewImporter(store storage.Store, keywordIndex keyword.TagIndex, opts ...Option) *Importer {
	im := &Importer{
		store:        store,
		keywordIndex: keywordIndex,
		logger:       zap.NewNop(),
		imported:     make(map[string]fileState),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import reads the vocabulary file at path (plain list, booru CSV export or
// model metadata JSON), upserts every tag, indexes them for lexical search
// and rebuilds the matcher index from the whole store.
func (im *Importer) Import(ctx context.Context, path string) (*Stats, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.importLocked(ctx, path)
}

// Sync imports path unless it is unchanged (same mtime and size) since the
// last import by this importer.
func (im *Importer) Sync(ctx context.Context, path string) (*Stats, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat vocabulary: %w", err)
	}
	if prev, ok := im.imported[absPath]; ok && prev.modTime.Equal(info.ModTime()) && prev.size == info.Size() {
		im.logger.Debug("vocabulary unchanged, skipping import", zap.String("path", absPath))
		return &Stats{Path: absPath, Skipped: true}, nil
	}
	return im.importLocked(ctx, absPath)
}

func (im *Importer) importLocked(ctx context.Context, path string) (*Stats, error) {
	start := time.Now()
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	entries, err := vocab.LoadEntries(absPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat vocabulary: %w", err)
	}

	now := time.Now().UTC()
	tags := make([]*models.Tag, len(entries))
	for i, e := range entries {
		tags[i] = &models.Tag{
			Name:      e.Name,
			Category:  string(e.Category),
			PostCount: e.PostCount,
			UpdatedAt: now,
		}
	}
	upserted, err := im.store.UpsertTags(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("failed to store tags: %w", err)
	}
	if err := im.keywordIndex.IndexTags(ctx, tags); err != nil {
		return nil, fmt.Errorf("failed to index tags: %w", err)
	}
	if im.spell != nil {
		im.spell.Invalidate()
	}

	stats := &Stats{Path: absPath, Entries: len(entries), Upserted: upserted}
	if im.matcher != nil {
		names, err := im.store.TagNames(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tags: %w", err)
		}
		manifest, err := im.matcher.RebuildIndex(ctx, names)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild tag index: %w", err)
		}
		stats.IndexSize = manifest.Count
	}
	im.imported[absPath] = fileState{modTime: info.ModTime(), size: info.Size()}
	stats.Elapsed = time.Since(start)

	im.logger.Info("Imported vocabulary",
		zap.String("path", absPath),
		zap.Int("entries", stats.Entries),
		zap.Int("upserted", stats.Upserted),
		zap.Int("index_size", stats.IndexSize),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

// ReindexKeywords repopulates the lexical index from the store. Used when the
// keyword index was opened empty while the store already holds tags.
func (im *Importer) ReindexKeywords(ctx context.Context) (int, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	total := 0
	for offset := 0; ; offset += reindexPageSize {
		page, err := im.store.ListTags(ctx, offset, reindexPageSize)
		if err != nil {
			return total, fmt.Errorf("failed to list tags: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := im.keywordIndex.IndexTags(ctx, page); err != nil {
			return total, fmt.Errorf("failed to index tags: %w", err)
		}
		total += len(page)
		if len(page) < reindexPageSize {
			break
		}
	}
	if im.spell != nil {
		im.spell.Invalidate()
	}
	im.logger.Debug("keyword index repopulated", zap.Int("tags", total))
	return total, nil
}
