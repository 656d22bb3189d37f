package tagging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fuda/internal/storage"
)

// Status describes component readiness and index sizes.
type Status struct {
	Status            string             `json:"status"`
	ClassifierReady   bool               `json:"classifier_ready"`
	MatcherReady      bool               `json:"matcher_ready"`
	VocabularySize    int                `json:"vocabulary_size"`
	IndexSize         int                `json:"index_size"`
	IndexType         string             `json:"index_type,omitempty"`
	EmbeddingModel    string             `json:"embedding_model,omitempty"`
	IndexBuiltAt      string             `json:"index_built_at,omitempty"`
	StoredTags        int64              `json:"stored_tags"`
	TagsByCategory    map[string]int64   `json:"tags_by_category,omitempty"`
	DiskUsage         map[string]int64   `json:"disk_usage,omitempty"`
	DiskUsageTotal    int64              `json:"disk_usage_total"`
	CategoryOverrides map[string]float64 `json:"category_thresholds,omitempty"`
}

// Status collects readiness of every component. Failures reading the store
// or the disk are logged and leave the corresponding fields empty.
func (s *Service) Status(ctx context.Context) *Status {
	st := &Status{
		Status:            s.Health().Status,
		CategoryOverrides: s.categoryThresholds,
	}
	if e := s.engine.Load(); e != nil {
		st.ClassifierReady = true
		st.VocabularySize = e.Vocabulary().Size()
	}
	if s.matcher != nil {
		st.MatcherReady = s.matcher.Ready()
		st.IndexSize = s.matcher.Size()
		if m := s.matcher.Manifest(); m != nil {
			st.IndexType = string(m.Type)
			st.EmbeddingModel = m.ModelID
			st.IndexBuiltAt = m.CreatedAt.UTC().Format(time.RFC3339)
		}
	}
	if s.store != nil {
		if n, err := s.store.CountTags(ctx); err == nil {
			st.StoredTags = n
		} else {
			s.logger.Warn("count tags failed", zap.Error(err))
		}
		if byCat, err := s.store.CountByCategory(ctx); err == nil {
			st.TagsByCategory = byCat
		} else {
			s.logger.Warn("count tags by category failed", zap.Error(err))
		}
	}
	if len(s.diskPaths) > 0 {
		usage, total, err := storage.DiskUsage(s.diskPaths)
		if err == nil {
			st.DiskUsage = usage
			st.DiskUsageTotal = total
		} else {
			s.logger.Warn("disk usage failed", zap.Error(err))
		}
	}
	return st
}
