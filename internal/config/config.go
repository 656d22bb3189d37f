// Package config provides configuration loading and structs for the fuda server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Vector     VectorConfig     `yaml:"vector"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	LLM        LLMConfig        `yaml:"llm"`
	Search     SearchConfig     `yaml:"search"`
	Watch      WatchConfig      `yaml:"watch"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// StorageConfig holds paths for the tag database and indices.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	BleveIndexPath   string `yaml:"bleve_index_path"`
	VectorIndexPath  string `yaml:"vector_index_path"`
	ArtifactCacheDir string `yaml:"artifact_cache_dir"`
}

// ClassifierConfig holds the image classification model settings.
// ModelPath and MetadataPath may be local paths, s3:// or http(s):// locations.
type ClassifierConfig struct {
	ModelPath          string             `yaml:"model_path"`
	MetadataPath       string             `yaml:"metadata_path"`
	ModelID            string             `yaml:"model_id"`
	ImageSize          int                `yaml:"image_size"`
	Threshold          float64            `yaml:"threshold"`
	CategoryThresholds map[string]float64 `yaml:"category_thresholds"`
	MinConfidence      float64            `yaml:"min_confidence"`
}

// EmbeddingConfig holds text embedder settings. Backend is onnx (default) or
// ngram; the ngram backend needs no model files.
type EmbeddingConfig struct {
	Backend    string `yaml:"backend"`
	ModelPath  string `yaml:"model_path"`
	VocabPath  string `yaml:"vocab_path"`
	ModelID    string `yaml:"model_id"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
	BatchSize  int    `yaml:"batch_size"`
	OutputName string `yaml:"output_name"`
}

// VectorConfig selects and tunes the tag vector index. IndexType is memory
// (exact, the default) or hnsw (approximate); M and EfSearch only tune hnsw.
type VectorConfig struct {
	IndexType string `yaml:"index_type"`
	M         int    `yaml:"m"`
	EfSearch  int    `yaml:"ef_search"`
}

// MatcherConfig holds tag matching settings.
// VocabularyPath is used to build the index when none is persisted yet.
type MatcherConfig struct {
	Threshold      float64 `yaml:"threshold"`
	VocabularyPath string  `yaml:"vocabulary_path"`
}

// LLMConfig holds defaults for the keyword extraction model. Every field can
// be overridden per request.
type LLMConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Cache      CacheConfig   `yaml:"cache"`
}

// CacheConfig configures the LLM candidate cache. Backend is "memory",
// "redis" or "none".
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Size          int           `yaml:"size"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// SearchConfig holds hybrid tag search settings.
type SearchConfig struct {
	DefaultLimit   int     `yaml:"default_limit"`
	MaxLimit       int     `yaml:"max_limit"`
	TopKCandidates int     `yaml:"top_k_candidates"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
}

// WatchConfig holds vocabulary file watch settings.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// ArtifactsConfig configures remote artifact download.
type ArtifactsConfig struct {
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	HTTPRetries int    `yaml:"http_retries"`
}

// Load reads and parses the config file at path, overlays .env and environment
// variables, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	_ = godotenv.Load()
	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.ArtifactCacheDir = expandPath(cfg.Storage.ArtifactCacheDir, configDir)
	cfg.Classifier.ModelPath = expandPath(cfg.Classifier.ModelPath, configDir)
	cfg.Classifier.MetadataPath = expandPath(cfg.Classifier.MetadataPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	cfg.Embedding.VocabPath = expandPath(cfg.Embedding.VocabPath, configDir)
	cfg.Matcher.VocabularyPath = expandPath(cfg.Matcher.VocabularyPath, configDir)

	return &cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("FUDA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FUDA_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("FUDA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("FUDA_REDIS_ADDR"); v != "" {
		cfg.LLM.Cache.RedisAddr = v
	}
	if v := os.Getenv("FUDA_REDIS_PASSWORD"); v != "" {
		cfg.LLM.Cache.RedisPassword = v
	}
	if v := os.Getenv("FUDA_S3_ACCESS_KEY"); v != "" {
		cfg.Artifacts.S3AccessKey = v
	}
	if v := os.Getenv("FUDA_S3_SECRET_KEY"); v != "" {
		cfg.Artifacts.S3SecretKey = v
	}
	if v := os.Getenv("FUDA_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		return ferrors.Configuration(op, fmt.Sprintf("classifier.threshold %v out of range [0,1]", c.Classifier.Threshold), nil)
	}
	for cat, th := range c.Classifier.CategoryThresholds {
		if th < 0 || th > 1 {
			return ferrors.Configuration(op, fmt.Sprintf("classifier.category_thresholds.%s %v out of range [0,1]", cat, th), nil)
		}
	}
	if c.Matcher.Threshold < -1 || c.Matcher.Threshold > 1 {
		return ferrors.Configuration(op, fmt.Sprintf("matcher.threshold %v out of range [-1,1]", c.Matcher.Threshold), nil)
	}
	switch c.Embedding.Backend {
	case "onnx", "ngram":
	default:
		return ferrors.Configuration(op, fmt.Sprintf("embedding.backend %q must be onnx or ngram", c.Embedding.Backend), nil)
	}
	switch c.Vector.IndexType {
	case "hnsw", "memory":
	default:
		return ferrors.Configuration(op, fmt.Sprintf("vector.index_type %q must be hnsw or memory", c.Vector.IndexType), nil)
	}
	switch c.LLM.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.LLM.Cache.RedisAddr == "" {
			return ferrors.Configuration(op, "llm.cache.redis_addr is required for the redis backend", nil)
		}
	default:
		return ferrors.Configuration(op, fmt.Sprintf("llm.cache.backend %q must be memory, redis or none", c.LLM.Cache.Backend), nil)
	}
	if c.Search.KeywordWeight < 0 || c.Search.SemanticWeight < 0 {
		return ferrors.Configuration(op, "search weights must be non-negative", nil)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Remote locations are left alone.
func expandPath(path string, configDir string) string {
	if path == "" || IsRemote(path) || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

// IsRemote reports whether location names an s3:// or http(s):// artifact.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "s3://") ||
		strings.HasPrefix(location, "http://") ||
		strings.HasPrefix(location, "https://")
}
