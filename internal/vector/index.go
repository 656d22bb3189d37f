// Package vector provides the tag embedding index: build, persist, load and
// nearest-neighbor search over unit-length vectors.
package vector

import (
	"context"
	"math"
)

// Index stores (vector, tag) entries and answers k-nearest-neighbor queries
// by Euclidean distance.
type Index interface {
	Add(ctx context.Context, tags []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*Result, error)
	Save(dir string) error
	Load(dir string) error
	Size() int
	Type() IndexType
	Close() error
}

// Result is a single search hit.
type Result struct {
	Tag      string
	Distance float64 // L2 distance
}

// Similarity returns the cosine similarity implied by the hit's distance.
func (r *Result) Similarity() float64 {
	return SimilarityFromL2(r.Distance)
}

// SimilarityFromL2 converts the L2 distance between two unit vectors into
// their cosine similarity: |a-b|^2 = 2 - 2cos.
func SimilarityFromL2(d float64) float64 {
	return 1 - d*d/2
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
