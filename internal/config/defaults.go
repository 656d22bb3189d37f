package config

import "time"

// DefaultThreshold is the global probability and match acceptance threshold.
const DefaultThreshold = 0.61

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/fuda/data/db/tags.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/fuda/data/indices/bleve"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/fuda/data/indices/vector"
	}
	if cfg.Storage.ArtifactCacheDir == "" {
		cfg.Storage.ArtifactCacheDir = "/usr/local/var/fuda/data/artifacts"
	}
	if cfg.Classifier.ModelPath == "" {
		cfg.Classifier.ModelPath = "/usr/local/var/fuda/data/models/tagger.onnx"
	}
	if cfg.Classifier.MetadataPath == "" {
		cfg.Classifier.MetadataPath = "/usr/local/var/fuda/data/models/tagger-metadata.json"
	}
	if cfg.Classifier.ModelID == "" {
		cfg.Classifier.ModelID = "camie-tagger"
	}
	if cfg.Classifier.ImageSize == 0 {
		cfg.Classifier.ImageSize = 512
	}
	if cfg.Classifier.Threshold == 0 {
		cfg.Classifier.Threshold = DefaultThreshold
	}
	if cfg.Classifier.CategoryThresholds == nil {
		cfg.Classifier.CategoryThresholds = map[string]float64{}
	}
	if cfg.Classifier.MinConfidence == 0 {
		cfg.Classifier.MinConfidence = 0.01
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "onnx"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/fuda/data/models/multilingual-e5-small.onnx"
	}
	if cfg.Embedding.VocabPath == "" {
		cfg.Embedding.VocabPath = "/usr/local/var/fuda/data/models/vocab.txt"
	}
	if cfg.Embedding.ModelID == "" {
		cfg.Embedding.ModelID = "multilingual-e5-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 64
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "last_hidden_state"
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "memory"
	}
	if cfg.Vector.M == 0 {
		cfg.Vector.M = 16
	}
	if cfg.Vector.EfSearch == 0 {
		cfg.Vector.EfSearch = 64
	}
	if cfg.Matcher.Threshold == 0 {
		cfg.Matcher.Threshold = DefaultThreshold
	}
	if cfg.LLM.Endpoint == "" {
		cfg.LLM.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.Cache.Backend == "" {
		cfg.LLM.Cache.Backend = "memory"
	}
	if cfg.LLM.Cache.Size == 0 {
		cfg.LLM.Cache.Size = 1024
	}
	if cfg.LLM.Cache.TTL == 0 {
		cfg.LLM.Cache.TTL = 24 * time.Hour
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.TopKCandidates == 0 {
		cfg.Search.TopKCandidates = 50
	}
	if cfg.Search.KeywordWeight == 0 && cfg.Search.SemanticWeight == 0 {
		cfg.Search.KeywordWeight = 0.5
		cfg.Search.SemanticWeight = 0.5
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 2 * time.Second
	}
	if cfg.Artifacts.S3Region == "" {
		cfg.Artifacts.S3Region = "us-east-1"
	}
	if cfg.Artifacts.HTTPRetries == 0 {
		cfg.Artifacts.HTTPRetries = 3
	}
}
