package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
classifier:
  threshold: 0.5
  category_thresholds:
    character: 0.8
llm:
  timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Classifier.Threshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", cfg.Classifier.Threshold)
	}
	if cfg.Classifier.CategoryThresholds["character"] != 0.8 {
		t.Errorf("character threshold = %v, want 0.8", cfg.Classifier.CategoryThresholds["character"])
	}
	if cfg.LLM.Timeout != 5*time.Second {
		t.Errorf("llm timeout = %v, want 5s", cfg.LLM.Timeout)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./data/db/tags.db"
  vector_index_path: "./data/indices/vector"
classifier:
  model_path: "s3://models/tagger.onnx"
  metadata_path: "https://example.com/meta.json"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "tags.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	wantVec := filepath.Join(dir, "data", "indices", "vector")
	if cfg.Storage.VectorIndexPath != wantVec {
		t.Errorf("vector_index_path = %s, want %s", cfg.Storage.VectorIndexPath, wantVec)
	}
	if cfg.Classifier.ModelPath != "s3://models/tagger.onnx" {
		t.Errorf("remote model path should be untouched, got %s", cfg.Classifier.ModelPath)
	}
	if cfg.Classifier.MetadataPath != "https://example.com/meta.json" {
		t.Errorf("remote metadata path should be untouched, got %s", cfg.Classifier.MetadataPath)
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("FUDA_LLM_API_KEY", "sk-test")
	t.Setenv("FUDA_LLM_MODEL", "local-model")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q, want sk-test", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "local-model" {
		t.Errorf("model = %q, want env override", cfg.LLM.Model)
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Classifier.Threshold != 0.61 {
		t.Errorf("default classifier threshold: got %v, want 0.61", cfg.Classifier.Threshold)
	}
	if cfg.Matcher.Threshold != 0.61 {
		t.Errorf("default matcher threshold: got %v, want 0.61", cfg.Matcher.Threshold)
	}
	if cfg.Classifier.ImageSize != 512 {
		t.Errorf("default image size: got %d", cfg.Classifier.ImageSize)
	}
	if cfg.Classifier.MinConfidence != 0.01 {
		t.Errorf("default min confidence: got %v", cfg.Classifier.MinConfidence)
	}
	if cfg.Embedding.Backend != "onnx" {
		t.Errorf("default embedding backend: got %s", cfg.Embedding.Backend)
	}
	if cfg.Vector.IndexType != "memory" {
		t.Errorf("default index type: got %s", cfg.Vector.IndexType)
	}
	if cfg.LLM.Cache.Backend != "memory" {
		t.Errorf("default cache backend: got %s", cfg.LLM.Cache.Backend)
	}
	if cfg.Search.KeywordWeight != 0.5 || cfg.Search.SemanticWeight != 0.5 {
		t.Errorf("default weights: got %v/%v", cfg.Search.KeywordWeight, cfg.Search.SemanticWeight)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Classifier.Threshold = 1.5 }},
		{"category threshold negative", func(c *Config) { c.Classifier.CategoryThresholds["general"] = -0.1 }},
		{"unknown index type", func(c *Config) { c.Vector.IndexType = "faiss" }},
		{"unknown embedding backend", func(c *Config) { c.Embedding.Backend = "mock" }},
		{"redis without addr", func(c *Config) { c.LLM.Cache.Backend = "redis" }},
		{"unknown cache backend", func(c *Config) { c.LLM.Cache.Backend = "memcached" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !ferrors.IsKind(err, ferrors.KindConfiguration) {
				t.Errorf("kind = %q, want configuration_error", ferrors.KindOf(err))
			}
		})
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}

func TestIsRemote(t *testing.T) {
	for in, want := range map[string]bool{
		"s3://b/k":         true,
		"https://x/y.onnx": true,
		"http://x/y":       true,
		"./local.onnx":     false,
		"/abs/model.onnx":  false,
	} {
		if got := IsRemote(in); got != want {
			t.Errorf("IsRemote(%q) = %v, want %v", in, got, want)
		}
	}
}
