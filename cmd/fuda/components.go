package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/artifact"
	"github.com/hyperjump/fuda/internal/classifier"
	"github.com/hyperjump/fuda/internal/config"
	"github.com/hyperjump/fuda/internal/embedding"
	"github.com/hyperjump/fuda/internal/indexer"
	"github.com/hyperjump/fuda/internal/keyword"
	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/matcher"
	"github.com/hyperjump/fuda/internal/search"
	"github.com/hyperjump/fuda/internal/storage"
	"github.com/hyperjump/fuda/internal/tagging"
	"github.com/hyperjump/fuda/internal/vector"
	"github.com/hyperjump/fuda/internal/vocab"
)

// Components holds initialized services.
type Components struct {
	Store     *storage.SQLiteStore
	Keywords  *keyword.BleveIndex
	Spell     *keyword.SpellChecker
	Embedder  embedding.Embedder
	Matcher   *matcher.Matcher
	Search    *search.Engine
	Extractor llm.Extractor
	Importer  *indexer.Importer
	Resolver  *artifact.Resolver
	Service   *tagging.Service
	llmCache  llm.Cache
}

// Close releases everything in reverse order of construction.
func (c *Components) Close() {
	if c.Service != nil {
		_ = c.Service.Close()
	}
	if c.llmCache != nil {
		_ = c.llmCache.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Keywords != nil {
		_ = c.Keywords.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func newResolver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*artifact.Resolver, error) {
	opts := []artifact.Option{
		artifact.WithLogger(logger),
		artifact.WithRetries(cfg.Artifacts.HTTPRetries, time.Second),
	}
	if usesS3(cfg) {
		client, err := artifact.NewS3Client(ctx, cfg.Artifacts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, artifact.WithS3Client(client))
	}
	return artifact.NewResolver(cfg.Storage.ArtifactCacheDir, opts...), nil
}

func usesS3(cfg *config.Config) bool {
	for _, loc := range []string{
		cfg.Classifier.ModelPath,
		cfg.Classifier.MetadataPath,
		cfg.Embedding.ModelPath,
		cfg.Embedding.VocabPath,
		cfg.Matcher.VocabularyPath,
	} {
		if strings.HasPrefix(loc, "s3://") {
			return true
		}
	}
	return false
}

// loadClassifier resolves the model and metadata artifacts and builds the
// classification engine.
func loadClassifier(ctx context.Context, cfg *config.Config, resolver *artifact.Resolver, logger *zap.Logger) (*classifier.Engine, error) {
	start := time.Now()
	modelPath, err := resolver.Resolve(ctx, cfg.Classifier.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve classification model: %w", err)
	}
	metadataPath, err := resolver.Resolve(ctx, cfg.Classifier.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model metadata: %w", err)
	}
	v, err := vocab.LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	model, err := classifier.NewONNXModel(modelPath, cfg.Classifier.ImageSize)
	if err != nil {
		return nil, err
	}
	engine := classifier.NewEngine(model, v,
		classifier.WithLogger(logger),
		classifier.WithImageSize(cfg.Classifier.ImageSize),
		classifier.WithMinConfidence(cfg.Classifier.MinConfidence))
	logger.Info("Classification model loaded",
		zap.String("model", cfg.Classifier.ModelID),
		zap.Int("tags", v.Size()),
		zap.Duration("elapsed", time.Since(start)))
	return engine, nil
}

// newEmbedder builds the configured text embedder. The ONNX backend fails
// when its model or vocabulary cannot be loaded.
func newEmbedder(ctx context.Context, cfg *config.Config, resolver *artifact.Resolver, logger *zap.Logger) (embedding.Embedder, error) {
	if cfg.Embedding.Backend == "ngram" {
		ng := embedding.NewNGramEmbedder(cfg.Embedding.Dimensions)
		logger.Info("Using n-gram text embedder",
			zap.String("model", ng.ModelID()),
			zap.Int("dimensions", cfg.Embedding.Dimensions))
		return embedding.NewCachedEmbedder(ng, cfg.Embedding.CacheSize), nil
	}
	modelPath, err := resolver.Resolve(ctx, cfg.Embedding.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve embedding model: %w", err)
	}
	vocabPath, err := resolver.Resolve(ctx, cfg.Embedding.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve embedding vocabulary: %w", err)
	}
	tok, err := embedding.LoadWordPiece(vocabPath, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding vocabulary: %w", err)
	}
	onnx, err := embedding.NewONNXEmbedder(embedding.ONNXConfig{
		ModelPath:  modelPath,
		ModelID:    cfg.Embedding.ModelID,
		Dimensions: cfg.Embedding.Dimensions,
		MaxTokens:  cfg.Embedding.MaxTokens,
		OutputName: cfg.Embedding.OutputName,
	}, tok)
	if err != nil {
		return nil, err
	}
	return embedding.NewCachedEmbedder(onnx, cfg.Embedding.CacheSize), nil
}

func newExtractor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Extractor, llm.Cache, error) {
	defaults := llm.Options{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}
	base := llm.NewOpenAIExtractor(defaults,
		llm.WithLogger(logger),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithRetries(cfg.LLM.MaxRetries, time.Second))

	var cache llm.Cache
	switch cfg.LLM.Cache.Backend {
	case "none":
		return base, nil, nil
	case "redis":
		rc, err := llm.NewRedisCache(ctx, llm.RedisOptions{
			Address:  cfg.LLM.Cache.RedisAddr,
			Password: cfg.LLM.Cache.RedisPassword,
			DB:       cfg.LLM.Cache.RedisDB,
			TTL:      cfg.LLM.Cache.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		cache = rc
	default:
		cache = llm.NewMemoryCache(cfg.LLM.Cache.Size, cfg.LLM.Cache.TTL)
	}
	logger.Debug("LLM cache enabled", zap.String("backend", cfg.LLM.Cache.Backend))
	return llm.NewCachedExtractor(base, cache, defaults, logger,
		llm.WithFlightTimeout(cfg.LLM.Timeout)), cache, nil
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	resolver, err := newResolver(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact resolver: %w", err)
	}
	c.Resolver = resolver

	c.Store, err = storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Keywords, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.Spell = keyword.NewSpellChecker(c.Keywords)

	c.Embedder, err = newEmbedder(ctx, cfg, resolver, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Matcher = matcher.New(c.Embedder,
		matcher.WithLogger(logger),
		matcher.WithIndexDir(cfg.Storage.VectorIndexPath),
		matcher.WithBatchSize(cfg.Embedding.BatchSize),
		matcher.WithIndexOptions(vector.Options{
			Type: vector.IndexType(cfg.Vector.IndexType),
			HNSW: vector.HNSWParams{M: cfg.Vector.M, EfSearch: cfg.Vector.EfSearch},
		}))
	c.Importer = indexer.NewImporter(c.Store, c.Keywords,
		indexer.WithLogger(logger),
		indexer.WithMatcher(c.Matcher),
		indexer.WithSpellChecker(c.Spell))
	c.Search = search.NewEngine(c.Store, c.Keywords, c.Matcher, c.Spell, &cfg.Search, logger)

	c.Extractor, c.llmCache, err = newExtractor(ctx, cfg, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize LLM cache: %w", err)
	}

	c.Service = tagging.NewService(
		tagging.WithLogger(logger),
		tagging.WithMatcher(c.Matcher),
		tagging.WithExtractor(c.Extractor),
		tagging.WithStore(c.Store),
		tagging.WithSearch(c.Search),
		tagging.WithThresholds(cfg.Classifier.Threshold, cfg.Classifier.CategoryThresholds),
		tagging.WithMatchThreshold(cfg.Matcher.Threshold),
		tagging.WithDiskPaths(map[string]string{
			"database":  cfg.Storage.DatabasePath,
			"bleve":     cfg.Storage.BleveIndexPath,
			"vector":    cfg.Storage.VectorIndexPath,
			"artifacts": cfg.Storage.ArtifactCacheDir,
		}),
	)
	return c, nil
}

// prepareMatcher makes the tag index usable. The keyword index is rebuilt
// from the store when it is empty; an empty store is seeded from the
// configured vocabulary (or the classifier metadata). A persisted vector
// index that no longer fits the embedder is an error; only rebuild-index or
// the rebuild endpoint replace it.
func prepareMatcher(ctx context.Context, cfg *config.Config, c *Components, logger *zap.Logger) error {
	count, err := c.Store.CountTags(ctx)
	if err != nil {
		return err
	}
	if count == 0 && !vector.Exists(cfg.Storage.VectorIndexPath) {
		seed := vocabularySeed(cfg)
		if seed == "" {
			return fmt.Errorf("no tag vocabulary: set matcher.vocabulary_path or import one")
		}
		path, err := c.Resolver.Resolve(ctx, seed)
		if err != nil {
			return fmt.Errorf("failed to resolve vocabulary: %w", err)
		}
		stats, err := c.Importer.Import(ctx, path)
		if err != nil {
			return err
		}
		logger.Info("Seeded tag vocabulary",
			zap.String("path", path),
			zap.Int("tags", stats.Upserted))
		return nil
	}

	if docs, err := c.Keywords.DocCount(); err == nil && docs == 0 && count > 0 {
		n, err := c.Importer.ReindexKeywords(ctx)
		if err != nil {
			return err
		}
		logger.Info("Rebuilt keyword index from store", zap.Int("tags", n))
	}

	names, err := c.Store.TagNames(ctx)
	if err != nil {
		return err
	}
	if err := c.Matcher.Prepare(ctx, names); err != nil {
		return fmt.Errorf("tag index unusable, run rebuild-index: %w", err)
	}
	return nil
}

// vocabularySeed is the file used to populate an empty tag store.
func vocabularySeed(cfg *config.Config) string {
	if cfg.Matcher.VocabularyPath != "" {
		return cfg.Matcher.VocabularyPath
	}
	return cfg.Classifier.MetadataPath
}
