// Package embedding provides text embedding via ONNX and caching.
package embedding

import "context"

// Embedder produces vector embeddings for text. Implementations return
// unit-length vectors so L2 distance maps directly onto cosine similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ModelID identifies the model; persisted indexes record it.
	ModelID() string
	Close() error
}
