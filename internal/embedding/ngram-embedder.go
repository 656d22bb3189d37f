package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// NGramEmbedder is a deterministic, model-free embedder: character trigrams of
// the lowercased text are feature-hashed into a signed vector and L2
// normalized. Strings sharing many trigrams land close together, which is
// enough for spelling variants of a tag. Used in tests and when the ONNX model
// cannot be loaded.
type NGramEmbedder struct {
	dimensions int
}

// NewNGramEmbedder returns an embedder producing vectors of the given dimensions.
func NewNGramEmbedder(dimensions int) *NGramEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &NGramEmbedder{dimensions: dimensions}
}

// Embed returns the hashed trigram vector for text.
func (e *NGramEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb := make([]float32, e.dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		runes := []rune("^" + word + "$")
		for i := 0; i+3 <= len(runes); i++ {
			h := fnv.New64a()
			_, _ = h.Write([]byte(string(runes[i : i+3])))
			sum := h.Sum64()
			idx := int(sum % uint64(e.dimensions))
			if sum&(1<<63) != 0 {
				emb[idx] -= 1
			} else {
				emb[idx] += 1
			}
		}
	}
	NormalizeL2Slice(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *NGramEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *NGramEmbedder) Dimensions() int {
	return e.dimensions
}

// ModelID identifies the hashing scheme and size.
func (e *NGramEmbedder) ModelID() string {
	return fmt.Sprintf("ngram-fnv-%d", e.dimensions)
}

// Close is a no-op for NGramEmbedder.
func (e *NGramEmbedder) Close() error {
	return nil
}

// NormalizeL2Slice normalizes the slice in place to unit L2 norm.
func NormalizeL2Slice(x []float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range x {
		x[i] *= norm
	}
}
