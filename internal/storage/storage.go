// Package storage persists the tag vocabulary.
package storage

import (
	"context"

	"github.com/hyperjump/fuda/internal/models"
)

// Store defines tag vocabulary persistence operations.
type Store interface {
	UpsertTags(ctx context.Context, tags []*models.Tag) (int, error)
	GetTag(ctx context.Context, name string) (*models.Tag, error)
	Exists(ctx context.Context, name string) (bool, error)
	ListTags(ctx context.Context, offset, limit int) ([]*models.Tag, error)
	TagNames(ctx context.Context) ([]string, error)
	SearchTags(ctx context.Context, query string, limit int) ([]*models.Tag, error)

	CountTags(ctx context.Context) (int64, error)
	CountByCategory(ctx context.Context) (map[string]int64, error)

	Close() error
}
