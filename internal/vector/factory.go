package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses exact brute-force search. This is the default.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeHNSW uses an approximate HNSW graph. Faster on very large
	// vocabularies but may miss the true nearest neighbor.
	IndexTypeHNSW IndexType = "hnsw"
)

// Options configures index creation.
type Options struct {
	Type IndexType
	HNSW HNSWParams
}

// NewIndex creates an empty index of the requested type.
// Supported types: "memory" (default), "hnsw".
func NewIndex(dimensions int, opts Options) (Index, error) {
	switch opts.Type {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	case IndexTypeHNSW:
		return NewHNSWIndex(dimensions, opts.HNSW)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, hnsw)", opts.Type)
	}
}
